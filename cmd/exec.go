package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"guestscope/pkg/config"
	"guestscope/pkg/layout"
	"guestscope/pkg/proc"
	"guestscope/pkg/proc/native"
	"guestscope/pkg/prowler"
	"guestscope/pkg/terminal"
	"guestscope/pkg/wire"
	"guestscope/service"
	"guestscope/service/grpc"
	"guestscope/service/http"
	"guestscope/utils"
)

type ExecType int

const (
	Get ExecType = iota
	Set
	List
	Dump
	ReadMem
	WriteMem
	Emulate
	Info
	Attach
	Conn
)

type executor struct {
	et      ExecType
	ctx     *cli.Context
	prowler *prowler.Prowler
}

// openMemory connects to a target: a pid is a local emulator process,
// anything else the host:port of a wire agent.
func openMemory(target string) (proc.Memory, error) {
	if pid, err := strconv.Atoi(target); err == nil {
		return native.Attach(pid)
	}
	opts := conf.WireOptions()
	return wire.Dial(context.Background(), "tcp", target, opts)
}

func openSession(target string) (*prowler.Prowler, error) {
	mem, err := openMemory(target)
	if err != nil {
		return nil, err
	}
	p, err := openSessionOver(mem)
	if err != nil {
		if c, ok := mem.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	return p, nil
}

// openSessionOver detects the build behind mem using the configured
// catalog.
func openSessionOver(mem proc.Memory) (*prowler.Prowler, error) {
	cat, err := layout.Load(config.Expand(conf.Catalog.Path))
	if err != nil {
		return nil, err
	}
	return prowler.Open(mem, cat, prowler.Options{
		Cache: conf.CacheOptions(),
		Emu:   conf.EmuOptions(),
	})
}

func exec(et ExecType, ctx *cli.Context) error {
	e := &executor{et: et, ctx: ctx}
	if et != Conn {
		p, err := openSession(ctx.Args().First())
		if err != nil {
			return err
		}
		defer p.Close()
		e.prowler = p
	}
	return e.run()
}

func (e *executor) run() error {
	args := e.ctx.Args()
	switch e.et {
	case Get:
		return e.get(args.Get(1))
	case Set:
		return e.set(args.Get(1), args.Get(2))
	case List:
		return e.list()
	case Dump:
		return e.runCmd(service.Dump, args.Tail())
	case ReadMem:
		return e.readMem(args.Get(1), args.Get(2))
	case WriteMem:
		return e.runCmd(service.Write, args.Tail())
	case Emulate:
		argv := args.Tail()
		if e.ctx.Bool("trace") {
			argv = append([]string{"-t"}, argv...)
		}
		return e.runCmd(service.Emulate, argv)
	case Info:
		return e.runCmd(service.Info, nil)
	case Attach:
		return e.attach()
	case Conn:
		return e.connect(args.First())
	}

	return nil
}

func (e *executor) get(expr string) error {
	v, err := e.prowler.Get(expr)
	if err != nil {
		return err
	}

	utils.PrintVariable(v)
	return nil
}

func (e *executor) set(expr, value string) error {
	if err := e.prowler.Set(expr, value); err != nil {
		return err
	}

	return e.get(expr)
}

func (e *executor) list() error {
	t := prowler.All
	switch e.ctx.String("type") {
	case "symbol", "s":
		t = prowler.Symbol
	case "type", "t":
		t = prowler.Type
	case "all", "":
	default:
		return fmt.Errorf("unknown list type %q", e.ctx.String("type"))
	}
	prefixes := e.ctx.StringSlice("prefixes")
	suffixes := e.ctx.StringSlice("suffixes")
	utils.PrintStringLine(e.prowler.List(t, prefixes, suffixes)...)
	return nil
}

func (e *executor) readMem(addrExpr, sizeStr string) error {
	size, err := strconv.ParseUint(sizeStr, 0, 32)
	if err != nil {
		return fmt.Errorf("bad size %q", sizeStr)
	}
	addr, err := e.prowler.Addr(addrExpr)
	if err != nil {
		return err
	}
	data, err := e.prowler.Read(addrExpr, size)
	if err != nil {
		return err
	}
	utils.PrintBytes(addr, data)
	return nil
}

// runCmd runs a command the way the REPL does and prints its output.
func (e *executor) runCmd(cmd service.CmdType, argv []string) error {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = strconv.Quote(arg)
	}
	out, err := service.Exec(e.prowler, cmd, strings.Join(quoted, " "))
	if out != "" {
		utils.PrintStringLine(strings.TrimSuffix(out, "\n"))
	}
	return err
}

func newServer(transport string, listener net.Listener, p *prowler.Prowler) service.Server {
	switch transport {
	case "grpc":
		return grpc.NewServer(listener, p)
	case "http":
		fallthrough
	default:
		return http.NewServer(listener, p)
	}
}

func (e *executor) attach() error {
	ctx := e.ctx
	if !ctx.Bool("headless") && !ctx.Bool("serve") {
		return e.repl(service.NewLocal(e.prowler))
	}

	transport := ctx.String("srv")
	if transport == "" {
		transport = conf.Service.Transport
	}
	addr := ctx.String("listen")
	if addr == "" {
		addr = conf.Service.Listen
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	server := newServer(transport, listener, e.prowler)
	defer server.Stop()
	if ctx.Bool("headless") {
		fmt.Printf("serving %s on %s\n", transport, listener.Addr())
		return waitForSignal(func() error { return server.Run() })
	}

	go func() {
		if err := server.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
		}
	}()
	return e.connect(listener.Addr().String())
}

func (e *executor) connect(addr string) (err error) {
	var client service.Client
	transport := e.ctx.String("srv")
	if transport == "" {
		transport = conf.Service.Transport
	}
	switch transport {
	case "grpc":
		c, err := grpc.NewClient(addr)
		if err != nil {
			return err
		}
		defer c.Close()
		client = c
	case "http":
		fallthrough
	default:
		client, err = http.NewClient(addr)
		if err != nil {
			return
		}
	}

	return e.repl(client)
}

func (e *executor) repl(client service.Client) error {
	term := terminal.New(client, terminal.Config{
		HistoryPath: config.HistoryPath(),
		Pager:       conf.REPL.Pager,
	})
	return term.Run()
}
