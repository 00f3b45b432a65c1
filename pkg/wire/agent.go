package wire

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

const DefaultSampleInterval = 100 * time.Millisecond

// Addresses with canned behavior when an agent runs in mock mode.
const (
	MockErrorAddr = 0x1234
	MockDropAddr  = 0x1235
)

type AgentOptions struct {
	// Images are announced in the rpc hello.
	Images []proc.ImageInfo
	// SampleInterval is how often monitored regions are pushed. Negative
	// disables the sampler; SampleNow still works.
	SampleInterval time.Duration
	// Mock makes reads at MockErrorAddr answer with an error frame and reads
	// at MockDropAddr drop the connection.
	Mock   bool
	Logger logflags.Logger
}

// Agent serves a proc.Memory over the wire protocol.
type Agent struct {
	mem  proc.Memory
	opts AgentOptions
	log  logflags.Logger

	mu        sync.Mutex
	flags     Flags
	monitorID uint64
	regions   []Region
	hoses     map[*hoseSub]struct{}
	conns     map[net.Conn]struct{}
	accepted  int
}

type hoseSub struct {
	frames chan []byte
	gone   chan struct{}
}

// NewAgent returns an agent serving mem. A nil mem in mock mode serves
// memory that reads as 'a' everywhere and accepts every write.
func NewAgent(mem proc.Memory, opts AgentOptions) *Agent {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.Logger == nil {
		opts.Logger = logflags.AgentLogger()
	}
	if mem == nil {
		mem = mockMemory{}
	}
	return &Agent{
		mem:   mem,
		opts:  opts,
		log:   opts.Logger,
		hoses: make(map[*hoseSub]struct{}),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done or accepting fails.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		a.closeAll()
		return nil
	})

	if a.opts.SampleInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(a.opts.SampleInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					a.SampleNow()
				}
			}
		})
	}

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			a.track(nc, true)
			g.Go(func() error {
				defer a.track(nc, false)
				a.handle(ctx, nc)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (a *Agent) track(nc net.Conn, add bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if add {
		a.conns[nc] = struct{}{}
		return
	}
	delete(a.conns, nc)
	nc.Close()
}

func (a *Agent) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for nc := range a.conns {
		nc.Close()
	}
}

func (a *Agent) handle(ctx context.Context, nc net.Conn) {
	hello, err := ReadMessage(nc)
	if err != nil {
		a.log.Debugf("%s: no hello: %v", nc.RemoteAddr(), err)
		return
	}
	if hello.CommandID != CmdHello {
		a.log.Warnf("%s: expected hello, got %v", nc.RemoteAddr(), hello)
		return
	}

	switch hello.ObjectID {
	case ChannelRPC:
		a.mu.Lock()
		a.accepted++
		a.mu.Unlock()
		if err := WriteMessage(nc, &Message{Header: Header{ObjectID: ChannelRPC}, Payload: encodeImageInfos(a.opts.Images)}); err != nil {
			return
		}
		a.serveRPC(nc)
	case ChannelHose:
		// subscribe before the reply so no sample after the handshake is missed
		sub := a.subscribe()
		defer a.unsubscribe(sub)
		if err := WriteMessage(nc, &Message{Header: Header{ObjectID: ChannelHose}}); err != nil {
			return
		}
		a.serveHose(ctx, nc, sub)
	default:
		a.log.Warnf("%s: unknown channel %d", nc.RemoteAddr(), hello.ObjectID)
	}
}

func (a *Agent) serveRPC(nc net.Conn) {
	for {
		m, err := ReadMessage(nc)
		if err != nil {
			a.log.Debugf("%s: rpc closed: %v", nc.RemoteAddr(), err)
			return
		}
		resp, drop := a.dispatch(m)
		if drop {
			a.log.Infof("%s: dropping connection on request %v", nc.RemoteAddr(), m)
			return
		}
		if err := WriteMessage(nc, resp); err != nil {
			a.log.Debugf("%s: rpc write: %v", nc.RemoteAddr(), err)
			return
		}
	}
}

func reply(m *Message, payload []byte) *Message {
	return &Message{Header: Header{ObjectID: ChannelRPC, CommandID: ResultOK, Tag: m.Tag}, Payload: payload}
}

func replyError(m *Message, text string) *Message {
	return &Message{Header: Header{ObjectID: ChannelRPC, CommandID: ResultError, Tag: m.Tag}, Payload: []byte(text)}
}

// dispatch executes one request. drop asks for the connection to be closed
// without a response.
func (a *Agent) dispatch(m *Message) (resp *Message, drop bool) {
	req, err := decodeRequest(m)
	if err != nil {
		return replyError(m, err.Error()), false
	}

	switch req.cmd {
	case CmdRead:
		if a.opts.Mock {
			switch req.addr {
			case MockErrorAddr:
				return replyError(m, "example error"), false
			case MockDropAddr:
				return nil, true
			}
		}
		data, err := a.mem.TryRead(req.addr, min(req.size, MaxPayload))
		if err != nil {
			return replyError(m, err.Error()), false
		}
		return reply(m, data), false

	case CmdWrite:
		n, err := a.mem.TryWrite(req.addr, req.data)
		if err != nil {
			return replyError(m, err.Error()), false
		}
		return reply(m, encodeU64(uint64(n))), false

	case CmdSetFlags:
		a.mu.Lock()
		a.flags = applyFlags(a.flags, req.clear, req.set)
		flags := a.flags
		a.mu.Unlock()
		a.log.Debugf("flags now %v", flags)
		return reply(m, encodeU64(uint64(flags))), false

	default: // CmdSetMonitorConfig
		a.mu.Lock()
		if len(req.regions) == 0 {
			a.monitorID, a.regions = 0, nil
		} else {
			a.monitorID, a.regions = req.id, req.regions
		}
		a.mu.Unlock()
		a.log.Debugf("monitor config %#x: %v", req.id, req.regions)
		return reply(m, nil), false
	}
}

func (a *Agent) subscribe() *hoseSub {
	sub := &hoseSub{frames: make(chan []byte, hoseQueueLen), gone: make(chan struct{})}
	a.mu.Lock()
	a.hoses[sub] = struct{}{}
	a.mu.Unlock()
	return sub
}

func (a *Agent) unsubscribe(sub *hoseSub) {
	a.mu.Lock()
	delete(a.hoses, sub)
	a.mu.Unlock()
}

func (a *Agent) serveHose(ctx context.Context, nc net.Conn, sub *hoseSub) {
	// the client never sends on the hose; a read only returns when it leaves
	go func() {
		defer close(sub.gone)
		var b [1]byte
		for {
			if _, err := nc.Read(b[:]); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.gone:
			return
		case frame := <-sub.frames:
			if err := WriteMessage(nc, &Message{Header: Header{ObjectID: ChannelHose}, Payload: frame}); err != nil {
				return
			}
		}
	}
}

// SampleNow reads the monitored regions once and pushes the frame to every
// hose. It reports whether a frame was produced; nothing is sampled while
// paused or without a subscription. Unreadable bytes are sent as zeros.
func (a *Agent) SampleNow() bool {
	a.mu.Lock()
	flags, id, regions := a.flags, a.monitorID, a.regions
	subs := make([]*hoseSub, 0, len(a.hoses))
	for s := range a.hoses {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	if flags&FlagPause != 0 || id == 0 {
		return false
	}
	values := make([][]byte, len(regions))
	for i, r := range regions {
		v := make([]byte, r.Len)
		data, err := a.mem.TryRead(r.Addr, r.Len)
		if err != nil {
			a.log.Warnf("sampling %v: %v", r, err)
		}
		copy(v, data)
		values[i] = v
	}
	frame := encodeSample(id, values)

	for _, s := range subs {
		if flags&FlagBackpressure != 0 {
			select {
			case s.frames <- frame:
			case <-s.gone:
			}
			continue
		}
		select {
		case s.frames <- frame:
		default:
			a.log.Debugf("hose queue full, dropping sample")
		}
	}
	return true
}

func (a *Agent) Flags() Flags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags
}

func (a *Agent) MonitorID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.monitorID
}

// Accepted is the number of rpc channels opened so far.
func (a *Agent) Accepted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted
}

type mockMemory struct{}

func (mockMemory) TryRead(addr, size uint64) ([]byte, error) {
	return bytes.Repeat([]byte{'a'}, int(size)), nil
}

func (mockMemory) TryWrite(addr uint64, data []byte) (int, error) {
	return len(data), nil
}
