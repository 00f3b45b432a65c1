package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"guestscope/pkg/prowler"
	"guestscope/pkg/wire"
	"guestscope/utils"
)

var monitor = cli.Command{
	Name:      "monitor",
	Usage:     "print the values of expressions every time the agent samples them",
	ArgsUsage: "<agent host:port> <TYPE@ADDR[.field|[n]]...>...",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "count, n",
			Usage: "stop after this many samples; zero runs until interrupted",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 2, utils.MinArgs, agentArgsCheck); err != nil {
			return err
		}

		return runMonitor(context.Args().First(), context.Args().Tail(), context.Int("count"), os.Stdout)
	},
}

func agentArgsCheck(args cli.Args) error {
	if _, _, err := net.SplitHostPort(args.First()); err != nil {
		return fmt.Errorf("agent address %q: %w", args.First(), err)
	}
	return nil
}

func runMonitor(addr string, exprs []string, count int, w io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := wire.Dial(ctx, "tcp", addr, conf.WireOptions())
	if err != nil {
		return err
	}
	p, err := openSessionOver(client)
	if err != nil {
		client.Close()
		return err
	}
	defer p.Close()

	return monitorExprs(ctx, client, p, exprs, count, w)
}

func monitorExprs(ctx context.Context, client *wire.Client, p *prowler.Prowler, exprs []string, count int, w io.Writer) error {
	regions := make([]wire.Region, len(exprs))
	for i, expr := range exprs {
		addr, size, err := p.Span(expr)
		if err != nil {
			return err
		}
		regions[i] = wire.Region{Addr: addr, Len: size}
	}

	n := 0
	err := client.Monitor(ctx, regions, func(s wire.Sample) error {
		n++
		fmt.Fprintf(w, "sample %d\n", n)
		for i, v := range s.Values {
			fmt.Fprintf(w, "  %s = % x\n", exprs[i], v)
		}
		if count > 0 && n >= count {
			return wire.ErrStopMonitor
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
