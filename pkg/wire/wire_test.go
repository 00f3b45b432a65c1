package wire

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	e "guestscope/error"
	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

func startAgent(t *testing.T, mem proc.Memory, opts AgentOptions) (*Agent, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = logflags.Nop()
	a := NewAgent(mem, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return a, ln.Addr().String()
}

func dialAgent(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "tcp", addr, Options{
		Logger:           logflags.Nop(),
		ReconnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReadFromMockAgent(t *testing.T) {
	_, addr := startAgent(t, nil, AgentOptions{Mock: true})
	c := dialAgent(t, addr)

	data, err := c.TryRead(0x1000, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0x61}, 16)) {
		t.Errorf("read = %x", data)
	}

	n, err := c.TryWrite(0x1000, []byte("hello"))
	if err != nil || n != 5 {
		t.Errorf("write = %d, %v", n, err)
	}
}

func TestMockErrorFrame(t *testing.T) {
	_, addr := startAgent(t, nil, AgentOptions{Mock: true})
	c := dialAgent(t, addr)

	_, err := c.TryRead(MockErrorAddr, 8)
	var re *e.RemoteError
	if !errors.As(err, &re) || re.Message != "example error" {
		t.Fatalf("error = %v, want the agent's error text", err)
	}

	// the connection is still usable
	if _, err := c.TryRead(0x2000, 4); err != nil {
		t.Errorf("read after error frame: %v", err)
	}
}

func TestReconnectRetriesOnce(t *testing.T) {
	a, addr := startAgent(t, nil, AgentOptions{Mock: true})
	c := dialAgent(t, addr)

	_, err := c.TryRead(MockDropAddr, 8)
	if !errors.Is(err, e.ErrConnectionClosed) {
		t.Fatalf("error = %v, want connection closed", err)
	}
	if got := a.Accepted(); got != 2 {
		t.Errorf("agent saw %d rpc connections, want the original plus one reconnect", got)
	}

	data, err := c.TryRead(0x1000, 2)
	if err != nil || string(data) != "aa" {
		t.Fatalf("read after a dropped connection = %q, %v", data, err)
	}
	if got := a.Accepted(); got != 3 {
		t.Errorf("agent saw %d rpc connections, want 3", got)
	}
}

func TestCloseAbortsReconnect(t *testing.T) {
	_, addr := startAgent(t, nil, AgentOptions{Mock: true})
	var mu sync.Mutex
	dials := 0
	redialing := make(chan struct{})
	d := &net.Dialer{}
	c, err := Dial(context.Background(), "tcp", addr, Options{
		Logger:           logflags.Nop(),
		ReconnectTimeout: time.Minute,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			dials++
			n := dials
			mu.Unlock()
			if n == 1 {
				return d.DialContext(ctx, network, addr)
			}
			if n == 2 {
				close(redialing)
			}
			return nil, errors.New("agent gone")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.TryRead(MockDropAddr, 8)
		done <- err
	}()
	<-redialing

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the reconnect")
	}
	select {
	case err := <-done:
		if !errors.Is(err, e.ErrConnectionClosed) {
			t.Errorf("read during close = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect kept retrying after Close")
	}
}

func TestAgentOverSynthetic(t *testing.T) {
	mem := proc.NewSynthetic()
	if err := mem.MapZero(0x8000, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := mem.MapReadOnly(0x9000, []byte("ro")); err != nil {
		t.Fatal(err)
	}
	images := []proc.ImageInfo{{
		ImageStart: 0x7100000000, ImageSize: 0x5000,
		TextStart: 0x7100000000, TextSize: 0x3000,
		RodataStart: 0x7100003000, RodataSize: 0x1000,
		DataStart: 0x7100004000, DataSize: 0x1000,
		BuildID: [16]byte{0xde, 0xad, 0xbe, 0xef},
	}}
	_, addr := startAgent(t, mem, AgentOptions{Images: images})
	c := dialAgent(t, addr)

	got, err := c.ExtractImageInfo()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(images, got); diff != "" {
		t.Errorf("hello images mismatch (-want +got):\n%s", diff)
	}

	if err := proc.Write(c, 0x80f0, []byte("0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	data, err := c.TryRead(0x80f8, 0x20)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "89abcdef" {
		t.Errorf("short read = %q", data)
	}

	n, err := c.TryWrite(0x9000, []byte("xx"))
	if err != nil || n != 0 {
		t.Errorf("write to read-only memory = %d, %v", n, err)
	}
}

// pipeConn returns an rpcConn whose peer is driven by the test.
func pipeConn(t *testing.T) (*rpcConn, net.Conn) {
	t.Helper()
	cl, srv := net.Pipe()
	go func() {
		if _, err := ReadMessage(srv); err != nil {
			return
		}
		WriteMessage(srv, &Message{Header: Header{ObjectID: ChannelRPC}})
	}()
	c, err := newRPCConn(cl, logflags.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.close()
		srv.Close()
	})
	return c, srv
}

type outcome struct {
	m   *Message
	err error
}

func send(c *rpcConn, addr uint64) chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		m, err := c.roundTrip(context.Background(), CmdRead, encodeRead(addr, 4))
		ch <- outcome{m, err}
	}()
	return ch
}

func setLastTag(c *rpcConn, tag uint32) {
	c.pendingMu.Lock()
	c.lastTag = tag
	c.pendingMu.Unlock()
}

func TestResponsesMatchedByTag(t *testing.T) {
	c, srv := pipeConn(t)

	setLastTag(c, 8)
	nine := send(c, 0x9000)
	req, err := ReadMessage(srv)
	if err != nil {
		t.Fatal(err)
	}
	if req.Tag != 9 {
		t.Fatalf("first request tag = %d", req.Tag)
	}

	setLastTag(c, 6)
	seven := send(c, 0x7000)
	req, err = ReadMessage(srv)
	if err != nil {
		t.Fatal(err)
	}
	if req.Tag != 7 {
		t.Fatalf("second request tag = %d", req.Tag)
	}

	if err := WriteMessage(srv, &Message{Header: Header{ObjectID: ChannelRPC, Tag: 7}, Payload: []byte("seven")}); err != nil {
		t.Fatal(err)
	}
	r := <-seven
	if r.err != nil || string(r.m.Payload) != "seven" {
		t.Fatalf("tag 7 resolved with %v, %v", r.m, r.err)
	}
	select {
	case r := <-nine:
		t.Fatalf("tag 9 resolved early with %v, %v", r.m, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := WriteMessage(srv, &Message{Header: Header{ObjectID: ChannelRPC, Tag: 9}, Payload: []byte("nine")}); err != nil {
		t.Fatal(err)
	}
	r = <-nine
	if r.err != nil || string(r.m.Payload) != "nine" {
		t.Fatalf("tag 9 resolved with %v, %v", r.m, r.err)
	}
}

func TestTagsSkipZeroAndPending(t *testing.T) {
	c, _ := pipeConn(t)
	c.pendingMu.Lock()
	c.lastTag = ^uint32(0) - 1
	c.pending[^uint32(0)] = make(chan result, 1)
	c.pending[1] = make(chan result, 1)
	tag := c.nextTag()
	c.pendingMu.Unlock()
	if tag != 2 {
		t.Errorf("next tag = %d, want 2", tag)
	}
}

func TestUnknownTagFailsConnection(t *testing.T) {
	c, srv := pipeConn(t)
	pending := send(c, 0x1000)
	if _, err := ReadMessage(srv); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(srv, &Message{Header: Header{ObjectID: ChannelRPC, Tag: 42}}); err != nil {
		t.Fatal(err)
	}

	r := <-pending
	if !errors.Is(r.err, e.ErrProtocolViolation) {
		t.Errorf("pending request error = %v, want protocol violation", r.err)
	}
	if _, err := c.roundTrip(context.Background(), CmdRead, encodeRead(0, 1)); !errors.Is(err, e.ErrConnectionClosed) {
		t.Errorf("request on a failed connection: %v", err)
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	c, srv := pipeConn(t)
	a := send(c, 0x1000)
	if _, err := ReadMessage(srv); err != nil {
		t.Fatal(err)
	}
	b := send(c, 0x2000)
	if _, err := ReadMessage(srv); err != nil {
		t.Fatal(err)
	}
	srv.Close()

	for _, ch := range []chan outcome{a, b} {
		r := <-ch
		if !errors.Is(r.err, e.ErrConnectionClosed) {
			t.Errorf("pending request error = %v, want connection closed", r.err)
		}
	}
	c.pendingMu.Lock()
	left := len(c.pending)
	c.pendingMu.Unlock()
	if left != 0 {
		t.Errorf("%d requests still pending", left)
	}
}

// scriptedAgent answers flag and monitor requests and hands hose
// connections to the test, which pushes frames by hand.
type scriptedAgent struct {
	configs chan *request
	hoses   chan net.Conn

	mu    sync.Mutex
	flags Flags
}

func startScripted(t *testing.T, flags Flags) (*scriptedAgent, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &scriptedAgent{configs: make(chan *request, 8), hoses: make(chan net.Conn, 1), flags: flags}
	var conns []net.Conn
	var mu sync.Mutex
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, nc := range conns {
			nc.Close()
		}
	})
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, nc)
			mu.Unlock()
			go s.handle(nc)
		}
	}()
	return s, ln.Addr().String()
}

func (s *scriptedAgent) handle(nc net.Conn) {
	hello, err := ReadMessage(nc)
	if err != nil {
		return
	}
	if err := WriteMessage(nc, &Message{Header: Header{ObjectID: hello.ObjectID}}); err != nil {
		return
	}
	if hello.ObjectID == ChannelHose {
		s.hoses <- nc
		return
	}
	for {
		m, err := ReadMessage(nc)
		if err != nil {
			return
		}
		req, err := decodeRequest(m)
		if err != nil {
			WriteMessage(nc, replyError(m, err.Error()))
			continue
		}
		switch req.cmd {
		case CmdSetFlags:
			s.mu.Lock()
			s.flags = applyFlags(s.flags, req.clear, req.set)
			flags := s.flags
			s.mu.Unlock()
			WriteMessage(nc, reply(m, encodeU64(uint64(flags))))
		case CmdSetMonitorConfig:
			s.configs <- req
			WriteMessage(nc, reply(m, nil))
		default:
			WriteMessage(nc, replyError(m, "unsupported"))
		}
	}
}

func (s *scriptedAgent) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func TestMonitorDropsStaleFrames(t *testing.T) {
	s, addr := startScripted(t, FlagPause)
	c := dialAgent(t, addr)

	regions := []Region{{Addr: 0x1000, Len: 4}, {Addr: 0x2000, Len: 2}}
	samples := make(chan Sample, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Monitor(context.Background(), regions, func(smp Sample) error {
			samples <- smp
			return ErrStopMonitor
		})
	}()

	hose := <-s.hoses
	cfg := <-s.configs
	if cfg.id == 0 {
		t.Fatal("subscription id is zero")
	}
	if diff := cmp.Diff(regions, cfg.regions); diff != "" {
		t.Errorf("registered regions mismatch (-want +got):\n%s", diff)
	}

	push := func(payload []byte) {
		t.Helper()
		if err := WriteMessage(hose, &Message{Header: Header{ObjectID: ChannelHose}, Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}
	values := [][]byte{[]byte("wxyz"), []byte("12")}
	push(encodeSample(cfg.id+1, values))
	push([]byte("fake hose data"))
	push(encodeSample(cfg.id, [][]byte{[]byte("short")}))

	select {
	case smp := <-samples:
		t.Fatalf("consumer woke up for a dropped frame: %+v", smp)
	case <-time.After(100 * time.Millisecond):
	}

	push(encodeSample(cfg.id, values))
	smp := <-samples
	if diff := cmp.Diff(Sample{ID: cfg.id, Values: values}, smp); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	clear := <-s.configs
	if clear.id != 0 || len(clear.regions) != 0 {
		t.Errorf("cleanup sent id %#x with %d regions", clear.id, len(clear.regions))
	}
	if s.Flags()&FlagPause == 0 {
		t.Errorf("pause was not restored: %v", s.Flags())
	}
}

func TestMonitorAgentSampling(t *testing.T) {
	mem := proc.NewSynthetic()
	if err := mem.Map(0x5000, []byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	a, addr := startAgent(t, mem, AgentOptions{SampleInterval: 5 * time.Millisecond})
	c := dialAgent(t, addr)

	if _, err := c.UpdateFlags(context.Background(), FlagUpdate{Pause: On}); err != nil {
		t.Fatal(err)
	}

	var got [][]byte
	err := c.Monitor(context.Background(), []Region{{0x5000, 4}, {0x5004, 4}, {0x6000, 2}}, func(s Sample) error {
		got = s.Values
		if a.Flags()&FlagPause != 0 {
			t.Errorf("agent still paused while monitoring")
		}
		return ErrStopMonitor
	})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{[]byte("abcd"), []byte("efgh"), {0, 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}
	if a.MonitorID() != 0 {
		t.Errorf("subscription %#x left registered", a.MonitorID())
	}
	if a.Flags()&FlagPause == 0 {
		t.Errorf("pause was not restored")
	}
}

func TestMonitorCallbackError(t *testing.T) {
	_, addr := startAgent(t, nil, AgentOptions{Mock: true, SampleInterval: 5 * time.Millisecond})
	c := dialAgent(t, addr)

	boom := errors.New("boom")
	err := c.Monitor(context.Background(), []Region{{0x1000, 1}}, func(Sample) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Monitor error = %v", err)
	}
}

func TestFlagUpdateMasks(t *testing.T) {
	for _, c := range []struct {
		u          FlagUpdate
		set, clear Flags
	}{
		{FlagUpdate{}, 0, 0},
		{FlagUpdate{Pause: On}, FlagPause, 0},
		{FlagUpdate{Pause: Off, Backpressure: On}, FlagBackpressure, FlagPause},
		{FlagUpdate{StreamCollisions: Off, StreamBackgroundEvents: Off}, 0, FlagStreamCollisions | FlagStreamBackgroundEvents},
	} {
		set, clear := c.u.Masks()
		if set != c.set || clear != c.clear {
			t.Errorf("%+v: set=%v clear=%v, want set=%v clear=%v", c.u, set, clear, c.set, c.clear)
		}
	}
	if got := applyFlags(FlagPause|FlagBackpressure, FlagPause, FlagStreamCollisions); got != FlagBackpressure|FlagStreamCollisions {
		t.Errorf("applyFlags = %v", got)
	}
	if s := (FlagPause | FlagBackpressure).String(); s != "backpressure|pause" {
		t.Errorf("String = %q", s)
	}
}

func TestReadMessageLimits(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Tag: 3, PayloadSize: MaxPayload + 1}
	raw := make([]byte, HeaderSize)
	h.encode(raw)
	buf.Write(raw)
	if _, err := ReadMessage(&buf); !errors.Is(err, e.ErrProtocolViolation) {
		t.Errorf("oversized payload error = %v", err)
	}

	if _, err := ReadMessage(bytes.NewReader(raw[:10])); err == nil {
		t.Errorf("truncated header accepted")
	}

	buf.Reset()
	in := &Message{Header: Header{ObjectID: ChannelRPC, CommandID: CmdRead, Tag: 5}, Objects: []uint32{7}, Payload: encodeRead(0x10, 0x20)}
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize+4+rwHeaderSize {
		t.Errorf("frame is %d bytes", buf.Len())
	}
	out, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	for _, m := range []*Message{
		{Header: Header{CommandID: CmdRead}},
		{Header: Header{CommandID: CmdRead}, Payload: encodeRead(1, 2)[:9]},
		{Header: Header{CommandID: CmdWrite}, Payload: encodeRead(1, 2)},
		{Header: Header{CommandID: CmdSetMonitorConfig}, Payload: encodeSetMonitorConfig(1, []Region{{1, 2}})[:20]},
		{Header: Header{CommandID: 9}, Payload: []byte{9}},
	} {
		if _, err := decodeRequest(m); !errors.Is(err, e.ErrProtocolViolation) {
			t.Errorf("command %d with %d bytes: %v", m.CommandID, len(m.Payload), err)
		}
	}
}
