package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"guestscope/pkg/proc"
	"guestscope/pkg/proc/native"
	"guestscope/pkg/wire"
	"guestscope/utils"
)

var agent = cli.Command{
	Name:  "agent",
	Usage: "serve memory over the wire protocol",
	Description: `The agent is what an emulator embeds; this one serves the memory of a
   local process (--pid), files mapped at fixed addresses (--load), or mock
   memory (--mock) that reads as 'a' everywhere and fails on purpose at
   0x1234 and 0x1235.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "address to listen on, default agent.listen",
		},
		cli.IntFlag{
			Name:  "pid, p",
			Usage: "serve the memory of this process",
		},
		cli.StringSliceFlag{
			Name:  "load",
			Usage: "map a file as a guest image, ADDR=FILE; repeatable",
		},
		cli.BoolFlag{
			Name:  "mock",
			Usage: "serve mock memory",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 0, utils.ExactArgs, func(cli.Args) error { return nil }); err != nil {
			return err
		}

		return runAgent(context)
	},
}

func agentMemory(ctx *cli.Context) (proc.Memory, error) {
	switch {
	case ctx.Int("pid") != 0:
		p, err := native.Attach(ctx.Int("pid"))
		if err != nil {
			return nil, err
		}
		if exe, err := p.Executable(); err == nil {
			fmt.Printf("serving pid %d (%s)\n", p.Pid(), exe)
		}
		return p, nil
	case len(ctx.StringSlice("load")) > 0:
		return loadImages(ctx.StringSlice("load"))
	case ctx.Bool("mock"):
		return nil, nil
	}
	return nil, fmt.Errorf("one of --pid, --load or --mock is required")
}

// loadImages maps each ADDR=FILE and announces the files as images.
func loadImages(specs []string) (*proc.Synthetic, error) {
	mem := proc.NewSynthetic()
	var images []proc.ImageInfo
	for _, spec := range specs {
		addrStr, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("--load %q: want ADDR=FILE", spec)
		}
		addr, err := strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("--load %q: %w", spec, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := mem.Map(addr, data); err != nil {
			return nil, fmt.Errorf("--load %q: %w", spec, err)
		}
		images = append(images, proc.ImageInfo{
			Name:       filepath.Base(path),
			ImageStart: addr,
			ImageSize:  uint64(len(data)),
			TextStart:  addr,
		})
	}
	mem.SetImages(images)
	return mem, nil
}

func runAgent(ctx *cli.Context) error {
	mem, err := agentMemory(ctx)
	if err != nil {
		return err
	}

	opts := conf.AgentOptions()
	if mem == nil {
		opts.Mock = true
	} else if src, ok := mem.(proc.ImageInfoSource); ok {
		if opts.Images, err = src.ExtractImageInfo(); err != nil {
			return err
		}
	}

	addr := ctx.String("listen")
	if addr == "" {
		addr = conf.Agent.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	fmt.Printf("agent listening on %s\n", ln.Addr())

	sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return wire.NewAgent(mem, opts).Serve(sctx, ln)
}
