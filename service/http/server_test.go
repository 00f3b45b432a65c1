package http

import (
	"bytes"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

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
	if err := s.Run(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })

	c, err := NewClient(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetSet(t *testing.T) {
	c := startServer(t)

	out, err := c.SendExpr(service.Get, "Actor@main_actor.id")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "7") {
		t.Errorf("get = %q", out)
	}

	out, err = c.SendExpr(service.Set, "Actor@main_actor.hp 3.25")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3.25") {
		t.Errorf("set = %q", out)
	}

	if _, err := c.SendExpr(service.Get, "Actor@nowhere"); err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("unknown symbol: %v", err)
	}
}

func TestCommands(t *testing.T) {
	c := startServer(t)

	out, err := c.SendExpr(service.List, "-s")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("dot_note\nget_id\nmain_actor", out); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}

	out, err = c.SendExpr(service.Read, "main_actor 4")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "07 00 00 00") {
		t.Errorf("read = %q", out)
	}

	if _, err := c.SendExpr(service.Write, "main_actor 2a"); err != nil {
		t.Fatal(err)
	}
	out, err = c.SendExpr(service.Emulate, "get_id x0=main_actor")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "x0 = 0x2a") {
		t.Errorf("emulate = %q", out)
	}

	out, err = c.SendExpr(service.Info, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "build 1.0.0") {
		t.Errorf("info = %q", out)
	}

	names, err := c.Complete("main")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main_actor"}, names); diff != "" {
		t.Errorf("complete (-want +got):\n%s", diff)
	}
}

func TestRouting(t *testing.T) {
	c := startServer(t)

	tests := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/nowhere", `{}`, http.StatusNotFound},
		{http.MethodGet, "/set", `{"expression": "set Actor@main_actor.id 1"}`, http.StatusNotFound},
		{http.MethodGet, "/get", `{"expression": "set Actor@main_actor.id 1"}`, http.StatusBadRequest},
		{http.MethodGet, "/get", `{"expression": `, http.StatusBadRequest},
		{http.MethodPost, "/set", `{"expression": "set Actor@main_actor 1"}`, http.StatusBadRequest},
		{http.MethodGet, "/get", `{"expression": "get Nobody@main_actor"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, c.url+tt.path, bytes.NewReader([]byte(tt.body)))
		if err != nil {
			t.Fatal(err)
		}
		res, err := c.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != tt.status {
			t.Errorf("%s %s %s = %d, want %d", tt.method, tt.path, tt.body, res.StatusCode, tt.status)
		}
	}
}

func TestNotAServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	go srv.Serve(ln)
	defer srv.Close()

	if _, err := NewClient(ln.Addr().String()); err == nil {
		t.Error("client accepted a plain http server")
	}
}
