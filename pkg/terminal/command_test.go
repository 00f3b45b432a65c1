package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"guestscope/service"
)

type call struct {
	cmd  service.CmdType
	args string
}

type fakeClient struct {
	calls []call
	out   string
	err   error
	names []string
}

func (c *fakeClient) SendExpr(cmd service.CmdType, args string) (string, error) {
	c.calls = append(c.calls, call{cmd, args})
	return c.out, c.err
}

func (c *fakeClient) Complete(prefix string) ([]string, error) {
	var out []string
	for _, name := range c.names {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *fakeClient) IsGuestscopeServer() bool { return true }

func newTestTerm(client *fakeClient) (*Term, *bytes.Buffer) {
	var out bytes.Buffer
	cmds := NewCommands(client)
	return &Term{
		client:  client,
		prompt:  prompt,
		cmds:    cmds,
		aliases: aliasTrie(cmds),
		stdout:  &transcriptWriter{pw: &pagingWriter{w: &out}},
		stderr:  &out,
	}, &out
}

func TestCallDispatch(t *testing.T) {
	client := &fakeClient{out: "7\n"}
	term, out := newTestTerm(client)

	for _, line := range []string{
		"get Actor@main_actor.id",
		"g  u32@main_actor ",
		"ls -t",
		"x main_actor 0x10",
		"call -t get_id x0=main_actor",
		"info",
	} {
		if err := term.cmds.Call(line, term); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}
	want := []call{
		{service.Get, "Actor@main_actor.id"},
		{service.Get, "u32@main_actor"},
		{service.List, "-t"},
		{service.Read, "main_actor 0x10"},
		{service.Emulate, "-t get_id x0=main_actor"},
		{service.Info, ""},
	}
	if diff := cmp.Diff(want, client.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	term.stdout.Flush()
	if got := out.String(); got != strings.Repeat("7\n", len(want)) {
		t.Errorf("output = %q", got)
	}
}

func TestCallErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	term, _ := newTestTerm(client)

	if err := term.cmds.Call("set Actor@main_actor.id 1", term); err == nil || err.Error() != "boom" {
		t.Errorf("set = %v", err)
	}
	if err := term.cmds.Call("frobnicate", term); !errors.Is(err, errNoCmd) {
		t.Errorf("unknown command = %v", err)
	}
	if err := term.cmds.Call("quit", term); err == nil {
		t.Error("quit returned nil")
	} else if _, ok := err.(ExitRequestError); !ok {
		t.Errorf("quit = %T", err)
	}
	if err := term.cmds.Call("", term); err != nil {
		t.Errorf("empty line = %v", err)
	}
}

func TestHelp(t *testing.T) {
	term, out := newTestTerm(&fakeClient{})
	if err := term.cmds.Call("help", term); err != nil {
		t.Fatal(err)
	}
	term.stdout.Flush()
	for _, want := range []string{"get (alias: g)", "emulate (alias: call)", "transcript"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("help lacks %q:\n%s", want, out)
		}
	}

	out.Reset()
	if err := term.cmds.Call("help x", term); err != nil {
		t.Fatal(err)
	}
	term.stdout.Flush()
	if !strings.Contains(out.String(), "read ADDR SIZE") {
		t.Errorf("help x = %q", out)
	}
	if err := term.cmds.Call("help nope", term); !errors.Is(err, errNoCmd) {
		t.Errorf("help nope = %v", err)
	}
}

func TestTranscript(t *testing.T) {
	client := &fakeClient{out: "value"}
	term, out := newTestTerm(client)
	path := filepath.Join(t.TempDir(), "session.txt")

	if err := term.cmds.Call("transcript -x "+path, term); err != nil {
		t.Fatal(err)
	}
	term.stdout.Echo(prompt + "get u32@0\n")
	if err := term.cmds.Call("get u32@0", term); err != nil {
		t.Fatal(err)
	}
	if err := term.cmds.Call("transcript -off", term); err != nil {
		t.Fatal(err)
	}
	term.stdout.Flush()
	if out.Len() != 0 {
		t.Errorf("-x still wrote %q to stdout", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("(gsc) get u32@0\nvalue\n", string(data)); diff != "" {
		t.Errorf("transcript (-want +got):\n%s", diff)
	}

	for _, args := range []string{"", "-off " + path, "-q " + path, "a b"} {
		if err := term.cmds.Call("transcript "+args, term); err == nil {
			t.Errorf("transcript %q accepted", args)
		}
	}
}

func TestComplete(t *testing.T) {
	term, _ := newTestTerm(&fakeClient{names: []string{"Actor", "main_actor", "main_world"}})
	tests := []struct {
		line string
		want []string
	}{
		{"he", []string{"help"}},
		{"get Actor@main_", []string{"get Actor@main_actor", "get Actor@main_world"}},
		{"get Ac", []string{"get Actor"}},
		{"read main_actor+", nil},
		{"get Actor@main_actor.", nil},
		{"zz", nil},
	}
	for _, tt := range tests {
		got := term.complete(tt.line)
		if len(got) == 0 {
			got = nil
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("complete(%q) (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestPagingWriter(t *testing.T) {
	var out bytes.Buffer
	pw := &pagingWriter{w: &out}
	pw.Write([]byte("a\nb\n"))
	if out.String() != "a\nb\n" {
		t.Errorf("unpaged write = %q", out.String())
	}

	out.Reset()
	pw = &pagingWriter{w: &out, lines: 4}
	pw.Write([]byte("one\ntwo\n"))
	if out.Len() != 0 {
		t.Errorf("short output not held back: %q", out.String())
	}
	pw.Flush()
	if out.String() != "one\ntwo\n" {
		t.Errorf("flushed %q", out.String())
	}

	out.Reset()
	pw.Reset()
	pw.Write([]byte("1\n2\n3\n4\n"))
	if out.String() != "1\n2\n3\n4\n" {
		t.Errorf("output without a pager = %q", out.String())
	}
	pw.Write([]byte("5\n"))
	if out.String() != "1\n2\n3\n4\n5\n" {
		t.Errorf("write after fallback = %q", out.String())
	}
}
