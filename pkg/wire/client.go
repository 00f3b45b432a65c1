package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	e "guestscope/error"
	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultReconnectTimeout = 10 * time.Second
)

type Options struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// ReconnectTimeout bounds the dial retries after a dropped connection.
	ReconnectTimeout time.Duration
	Logger           logflags.Logger
	// Dial replaces net.Dialer, mostly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) setDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReconnectTimeout == 0 {
		o.ReconnectTimeout = DefaultReconnectTimeout
	}
	if o.Logger == nil {
		o.Logger = logflags.WireLogger()
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: o.DialTimeout}
		o.Dial = d.DialContext
	}
}

// Client is a proc.Memory backed by a remote agent. It is safe for
// concurrent use; requests from different goroutines are pipelined on the
// same connection and matched to their responses by tag.
type Client struct {
	network, addr string
	opts          Options
	log           logflags.Logger

	// redial serializes reconnects. mu guards conn and closed only and is
	// never held while dialing.
	redial sync.Mutex
	mu     sync.Mutex
	conn   *rpcConn
	closed bool

	// life is cancelled by Close and aborts a reconnect in progress.
	life context.Context
	kill context.CancelFunc
}

// Dial connects the rpc channel and reads the agent's hello.
func Dial(ctx context.Context, network, addr string, opts Options) (*Client, error) {
	opts.setDefaults()
	c := &Client{network: network, addr: addr, opts: opts, log: opts.Logger}
	conn, err := c.dialRPC(ctx)
	if err != nil {
		return nil, err
	}
	c.life, c.kill = context.WithCancel(context.Background())
	c.conn = conn
	c.log.Infof("connected to %s, %d images", addr, len(conn.images))
	return c, nil
}

func (c *Client) dialRPC(ctx context.Context) (*rpcConn, error) {
	nc, err := c.opts.Dial(ctx, c.network, c.addr)
	if err != nil {
		return nil, e.ConnectionClosed(err)
	}
	return newRPCConn(nc, c.log)
}

func (c *Client) current() *rpcConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// reconnect replaces stale with a fresh connection unless another caller
// already did. Dialing is retried with exponential backoff for up to
// ReconnectTimeout, or until ctx is done or the client is closed.
func (c *Client) reconnect(ctx context.Context, stale *rpcConn) error {
	c.redial.Lock()
	defer c.redial.Unlock()

	c.mu.Lock()
	closed, current := c.closed, c.conn
	c.mu.Unlock()
	if closed {
		return e.ErrConnectionClosed
	}
	if current != stale {
		return nil
	}
	stale.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = c.opts.ReconnectTimeout

	var conn *rpcConn
	op := func() error {
		var err error
		conn, err = c.dialRPC(ctx)
		if err != nil && !errors.Is(err, e.ErrConnectionClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if c.life.Err() != nil {
			return e.ErrConnectionClosed
		}
		return fmt.Errorf("reconnecting to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.close()
		return e.ErrConnectionClosed
	}
	c.log.Infof("reconnected to %s", c.addr)
	c.conn = conn
	return nil
}

// call performs one request, reconnecting and retrying once if the
// connection turns out to be closed. Error frames become RemoteErrors.
func (c *Client) call(ctx context.Context, cmd uint32, payload []byte) (*Message, error) {
	conn := c.current()
	m, err := conn.roundTrip(ctx, cmd, payload)
	if errors.Is(err, e.ErrConnectionClosed) {
		c.log.Warnf("request cmd=%d failed, reconnecting: %v", cmd, err)
		if rerr := c.reconnect(ctx, conn); rerr != nil {
			return nil, rerr
		}
		m, err = c.current().roundTrip(ctx, cmd, payload)
	}
	if err != nil {
		return nil, err
	}
	if m.CommandID != ResultOK {
		return nil, &e.RemoteError{Tag: m.Tag, Message: string(m.Payload)}
	}
	return m, nil
}

// ReadContext reads up to size bytes at addr. Fewer bytes mean the rest of
// the range is not readable.
func (c *Client) ReadContext(ctx context.Context, addr, size uint64) ([]byte, error) {
	m, err := c.call(ctx, CmdRead, encodeRead(addr, size))
	if err != nil {
		return nil, err
	}
	if uint64(len(m.Payload)) > size {
		return nil, &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("read of %#x bytes at %#x returned %#x", size, addr, len(m.Payload))}
	}
	return m.Payload, nil
}

// WriteContext writes data at addr and returns how many bytes the agent
// accepted.
func (c *Client) WriteContext(ctx context.Context, addr uint64, data []byte) (int, error) {
	m, err := c.call(ctx, CmdWrite, encodeWrite(addr, data))
	if err != nil {
		return 0, err
	}
	n, err := decodeU64(m.Tag, "write", m.Payload)
	if err != nil {
		return 0, err
	}
	if n > uint64(len(data)) {
		return 0, &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("write of %#x bytes accepted %#x", len(data), n)}
	}
	return int(n), nil
}

func (c *Client) TryRead(addr, size uint64) ([]byte, error) {
	return c.ReadContext(context.Background(), addr, size)
}

func (c *Client) TryWrite(addr uint64, data []byte) (int, error) {
	return c.WriteContext(context.Background(), addr, data)
}

// SetFlags clears then sets flags and returns the resulting mask. With both
// masks empty it only queries.
func (c *Client) SetFlags(ctx context.Context, set, clear Flags) (Flags, error) {
	m, err := c.call(ctx, CmdSetFlags, encodeSetFlags(clear, set))
	if err != nil {
		return 0, err
	}
	v, err := decodeU64(m.Tag, "set flags", m.Payload)
	return Flags(v), err
}

func (c *Client) UpdateFlags(ctx context.Context, u FlagUpdate) (Flags, error) {
	set, clear := u.Masks()
	return c.SetFlags(ctx, set, clear)
}

// SetMonitorConfig registers regions under id; no regions clears monitoring.
func (c *Client) SetMonitorConfig(ctx context.Context, id uint64, regions []Region) error {
	if len(regions) == 0 {
		id = 0
	}
	m, err := c.call(ctx, CmdSetMonitorConfig, encodeSetMonitorConfig(id, regions))
	if err != nil {
		return err
	}
	if len(m.Payload) != 0 {
		return &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("monitor config response of %d bytes", len(m.Payload))}
	}
	return nil
}

// ExtractImageInfo returns the images announced in the hello of the current
// connection.
func (c *Client) ExtractImageInfo() ([]proc.ImageInfo, error) {
	return append([]proc.ImageInfo(nil), c.current().images...), nil
}

func (c *Client) openHose(ctx context.Context) (*hoseConn, error) {
	nc, err := c.opts.Dial(ctx, c.network, c.addr)
	if err != nil {
		return nil, e.ConnectionClosed(err)
	}
	return newHoseConn(nc, c.log)
}

// Close fails every pending request and aborts a reconnect in progress.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.kill()
	conn.close()
	return nil
}
