package cmd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli"

	"guestscope/pkg/config"
	"guestscope/pkg/logflags"
	"guestscope/pkg/prowler/prowlertest"
	"guestscope/pkg/wire"
)

// startAgent serves the test guest and points the configuration at its
// catalog.
func startAgent(t *testing.T) string {
	t.Helper()
	mem := prowlertest.Guest(t)
	images, _ := mem.ExtractImageInfo()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.NewAgent(mem, wire.AgentOptions{
			Images:         images,
			SampleInterval: 10 * time.Millisecond,
			Logger:         logflags.Nop(),
		}).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	catalog := filepath.Join(t.TempDir(), config.CatalogFile)
	if err := os.WriteFile(catalog, []byte(prowlertest.Catalog), 0644); err != nil {
		t.Fatal(err)
	}
	conf = config.Default()
	conf.Catalog.Path = catalog
	return ln.Addr().String()
}

func TestParseFlagUpdate(t *testing.T) {
	u, err := parseFlagUpdate([]string{"+pause", "-backpressure", "+send_bg_events"})
	if err != nil {
		t.Fatal(err)
	}
	want := wire.FlagUpdate{Pause: wire.On, Backpressure: wire.Off, StreamBackgroundEvents: wire.On}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("update (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"pause", "+nope", "-"} {
		if _, err := parseFlagUpdate([]string{bad}); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestTargetArgsCheck(t *testing.T) {
	for target, ok := range map[string]bool{
		"127.0.0.1:8000":             true,
		"localhost:1":                true,
		strconv.Itoa(os.Getpid()):    true,
		"2147483646":                 false,
		"not a target":               false,
		"Actor@main_actor.next.next": false,
	} {
		err := targetArgsCheck(cli.Args{target})
		if (err == nil) != ok {
			t.Errorf("targetArgsCheck(%q) = %v", target, err)
		}
	}

	if err := readArgsCheck(cli.Args{"127.0.0.1:1", "main_actor"}); err == nil {
		t.Error("expression without a type accepted")
	}
}

func TestLoadImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.bin")
	if err := os.WriteFile(path, []byte("abcd"), 0644); err != nil {
		t.Fatal(err)
	}
	mem, err := loadImages([]string{"0x1000=" + path})
	if err != nil {
		t.Fatal(err)
	}
	data, err := mem.TryRead(0x1002, 8)
	if err != nil || string(data) != "cd" {
		t.Errorf("read = %q, %v", data, err)
	}
	images, _ := mem.ExtractImageInfo()
	if len(images) != 1 || images[0].Name != "main.bin" || images[0].ImageSize != 4 {
		t.Errorf("images = %+v", images)
	}

	for _, spec := range []string{path, "zz=" + path, "0x1000=" + path + ".missing"} {
		if _, err := loadImages([]string{spec}); err == nil {
			t.Errorf("--load %q accepted", spec)
		}
	}
}

func TestMonitor(t *testing.T) {
	addr := startAgent(t)

	ctx := context.Background()
	client, err := wire.Dial(ctx, "tcp", addr, wire.Options{Logger: logflags.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	p, err := openSessionOver(client)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var out bytes.Buffer
	exprs := []string{"Actor@main_actor.id", "f32@main_actor+4"}
	if err := monitorExprs(ctx, client, p, exprs, 2, &out); err != nil {
		t.Fatal(err)
	}
	want := "sample 1\n  Actor@main_actor.id = 07 00 00 00\n  f32@main_actor+4 = 00 00 48 41\n" +
		"sample 2\n  Actor@main_actor.id = 07 00 00 00\n  f32@main_actor+4 = 00 00 48 41\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("monitor (-want +got):\n%s", diff)
	}

	if err := monitorExprs(ctx, client, p, []string{"cstr@main_actor"}, 1, &out); err == nil {
		t.Error("unsized expression monitored")
	}
}

func TestApp(t *testing.T) {
	addr := startAgent(t)
	catalog := conf.Catalog.Path
	home := t.TempDir()
	t.Setenv("HOME", home)

	run := func(args ...string) error {
		return NewApp().Run(append([]string{"gscope", "--catalog", catalog}, args...))
	}
	for _, args := range [][]string{
		{"config"},
		{"get", addr, "Actor@main_actor.id"},
		{"set", addr, "Actor@main_actor.id", "9"},
		{"dump", addr, "Actor@main_actor"},
		{"ls", "-t", "symbol", addr},
		{"read", addr, "main_actor", "8"},
		{"write", addr, "main_actor+4", "00 00 80 3f"},
		{"emulate", "--trace", addr, "get_id", "x0=main_actor"},
		{"info", addr},
		{"flags", addr, "+backpressure"},
	} {
		if err := run(args...); err != nil {
			t.Errorf("%s: %v", strings.Join(args, " "), err)
		}
	}

	for _, args := range [][]string{
		{"get", addr},
		{"get", addr, "main_actor"},
		{"get", addr, "Nobody@main_actor"},
		{"ls", "-t", "bogus", addr},
		{"flags", "nowhere"},
	} {
		if err := run(args...); err == nil {
			t.Errorf("%s succeeded", strings.Join(args, " "))
		}
	}

	cfg := filepath.Join(home, "bad.toml")
	if err := os.WriteFile(cfg, []byte("[cache]\nchunk_size = 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewApp().Run([]string{"gscope", "--config", cfg, "config"}); err == nil {
		t.Error("invalid config accepted")
	}
}
