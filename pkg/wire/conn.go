package wire

import (
	"context"
	"fmt"
	"net"
	"sync"

	e "guestscope/error"
	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

type result struct {
	msg *Message
	err error
}

// rpcConn is one rpc channel. A background receiver resolves pending
// requests by tag in whatever order responses arrive.
type rpcConn struct {
	nc     net.Conn
	log    logflags.Logger
	images []proc.ImageInfo

	// sendMu serializes "allocate tag, register, write frame" so that two
	// requests never interleave their bytes on the wire.
	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan result
	lastTag   uint32
	// err is set once, when the connection fails.
	err error
}

// handshake binds nc to channel and returns the hello reply payload.
func handshake(nc net.Conn, channel uint32) ([]byte, error) {
	if err := WriteMessage(nc, &Message{Header: Header{ObjectID: channel, CommandID: CmdHello}}); err != nil {
		return nil, e.ConnectionClosed(err)
	}
	m, err := ReadMessage(nc)
	if err != nil {
		return nil, e.ConnectionClosed(err)
	}
	if m.ObjectID != channel || m.CommandID != ResultOK {
		return nil, &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("unexpected hello reply: %v", m)}
	}
	return m.Payload, nil
}

func newRPCConn(nc net.Conn, log logflags.Logger) (*rpcConn, error) {
	hello, err := handshake(nc, ChannelRPC)
	if err != nil {
		nc.Close()
		return nil, err
	}
	images, err := decodeImageInfos(hello)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c := &rpcConn{
		nc:      nc,
		log:     log,
		images:  images,
		pending: make(map[uint32]chan result),
	}
	go c.recvLoop()
	return c, nil
}

// nextTag returns a tag that is neither zero nor pending. Callers hold
// pendingMu.
func (c *rpcConn) nextTag() uint32 {
	for {
		c.lastTag++
		if c.lastTag == 0 {
			continue
		}
		if _, busy := c.pending[c.lastTag]; !busy {
			return c.lastTag
		}
	}
}

func (c *rpcConn) register() (uint32, chan result, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.err != nil {
		return 0, nil, e.ConnectionClosed(c.err)
	}
	tag := c.nextTag()
	ch := make(chan result, 1)
	c.pending[tag] = ch
	return tag, ch, nil
}

// roundTrip sends one request and waits for the response carrying its tag.
// A cancelled ctx abandons the wait but leaves the tag reserved until the
// response arrives or the connection fails.
func (c *rpcConn) roundTrip(ctx context.Context, cmd uint32, payload []byte) (*Message, error) {
	c.sendMu.Lock()
	tag, ch, err := c.register()
	if err != nil {
		c.sendMu.Unlock()
		return nil, err
	}
	c.log.Debugf("-> cmd=%d tag=%d payload=%#x", cmd, tag, len(payload))
	err = WriteMessage(c.nc, &Message{
		Header:  Header{ObjectID: ChannelRPC, CommandID: cmd, Tag: tag},
		Payload: payload,
	})
	c.sendMu.Unlock()
	if err != nil {
		c.fail(e.ConnectionClosed(err))
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *rpcConn) recvLoop() {
	for {
		m, err := ReadMessage(c.nc)
		if err != nil {
			if _, ok := err.(*e.ProtocolError); !ok {
				err = e.ConnectionClosed(err)
			}
			c.fail(err)
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[m.Tag]
		delete(c.pending, m.Tag)
		c.pendingMu.Unlock()

		if !ok {
			c.fail(&e.ProtocolError{Tag: m.Tag, Reason: "response for a tag with no pending request"})
			return
		}
		c.log.Debugf("<- result=%d tag=%d payload=%#x", m.CommandID, m.Tag, len(m.Payload))
		ch <- result{msg: m}
	}
}

// fail records err, fails every pending request with it exactly once and
// closes the socket. Later calls are no-ops.
func (c *rpcConn) fail(err error) {
	c.pendingMu.Lock()
	if c.err != nil {
		c.pendingMu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	c.pendingMu.Unlock()

	if len(pending) > 0 {
		c.log.Warnf("connection failed with %d pending requests: %v", len(pending), err)
	}
	for _, ch := range pending {
		ch <- result{err: err}
	}
	c.nc.Close()
}

func (c *rpcConn) close() {
	c.fail(e.ErrConnectionClosed)
}

// hoseConn is the push-only monitoring channel. A reader goroutine moves
// frames into a buffered queue; the queue is closed when the stream ends.
type hoseConn struct {
	nc     net.Conn
	frames chan []byte
	quit   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

const hoseQueueLen = 64

func newHoseConn(nc net.Conn, log logflags.Logger) (*hoseConn, error) {
	if _, err := handshake(nc, ChannelHose); err != nil {
		nc.Close()
		return nil, err
	}
	h := &hoseConn{nc: nc, frames: make(chan []byte, hoseQueueLen), quit: make(chan struct{})}
	go func() {
		defer close(h.frames)
		for {
			m, err := ReadMessage(nc)
			if err != nil {
				h.mu.Lock()
				h.err = e.ConnectionClosed(err)
				h.mu.Unlock()
				log.Debugf("hose closed: %v", err)
				return
			}
			select {
			case h.frames <- m.Payload:
			case <-h.quit:
				return
			}
		}
	}()
	return h, nil
}

// Err reports why the frame queue was closed.
func (h *hoseConn) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close shuts the socket; the reader drains to its natural end.
func (h *hoseConn) Close() error {
	h.once.Do(func() { close(h.quit) })
	return h.nc.Close()
}
