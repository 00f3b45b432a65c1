package grpc

import (
	"errors"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"

	e "guestscope/error"
	"guestscope/pkg/prowler/prowlertest"
	"guestscope/service"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(ln, prowlertest.New(t))
	go s.Run()
	t.Cleanup(func() { s.Stop() })

	c, err := NewClient(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExec(t *testing.T) {
	c := startServer(t)

	out, err := c.SendExpr(service.Set, "Actor@main_actor.id 11")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "11") {
		t.Errorf("set = %q", out)
	}
	out, err = c.SendExpr(service.Get, "u32@main_actor")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "11") {
		t.Errorf("get = %q", out)
	}

	_, err = c.SendExpr(service.Get, "Actor@nowhere")
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("unknown symbol: %v", err)
	}
	if _, err := c.SendExpr(service.CmdType(99), ""); err == nil {
		t.Error("unknown command accepted")
	}

	names, err := c.Complete("get")
	if err != nil || len(names) != 1 || names[0] != "get_id" {
		t.Errorf("complete get = %v, %v", names, err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{e.ErrUnknownType, codes.NotFound},
		{e.ErrNotSettable, codes.InvalidArgument},
		{e.ConnectionClosed(errors.New("eof")), codes.Unavailable},
		{e.ErrTookTooLong, codes.DeadlineExceeded},
		{errors.New("other"), codes.Internal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNotAServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	if _, err := NewClient(ln.Addr().String()); err == nil {
		t.Error("client accepted a listener that is not a grpc server")
	}
}
