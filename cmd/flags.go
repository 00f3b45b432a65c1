package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"guestscope/pkg/wire"
	"guestscope/utils"
)

var flags = cli.Command{
	Name:      "flags",
	Usage:     "show or change the control flags of a wire agent",
	ArgsUsage: "<agent host:port> [+flag|-flag]...",
	Description: `Flags are backpressure, send_colls, send_bg_events and pause. +pause
   stops the guest at its next sampling point, -pause resumes it. With no
   changes the current flags are printed.`,
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.MinArgs, agentArgsCheck); err != nil {
			return err
		}

		u, err := parseFlagUpdate(context.Args().Tail())
		if err != nil {
			return err
		}
		return setFlags(context.Args().First(), u)
	},
}

// parseFlagUpdate reads +name and -name toggles.
func parseFlagUpdate(args []string) (wire.FlagUpdate, error) {
	var u wire.FlagUpdate
	for _, arg := range args {
		var t wire.Toggle
		switch {
		case strings.HasPrefix(arg, "+"):
			t = wire.On
		case strings.HasPrefix(arg, "-"):
			t = wire.Off
		default:
			return u, fmt.Errorf("flag %q: want +name or -name", arg)
		}
		switch arg[1:] {
		case "backpressure":
			u.Backpressure = t
		case "send_colls":
			u.StreamCollisions = t
		case "send_bg_events":
			u.StreamBackgroundEvents = t
		case "pause":
			u.Pause = t
		default:
			return u, fmt.Errorf("unknown flag %q", arg[1:])
		}
	}
	return u, nil
}

func setFlags(addr string, u wire.FlagUpdate) error {
	ctx := context.Background()
	client, err := wire.Dial(ctx, "tcp", addr, conf.WireOptions())
	if err != nil {
		return err
	}
	defer client.Close()

	prev, err := client.SetFlags(ctx, 0, 0)
	if err != nil {
		return err
	}
	cur, err := client.UpdateFlags(ctx, u)
	if err != nil {
		return err
	}
	if cur != prev {
		fmt.Printf("%s -> %s\n", prev, cur)
		return nil
	}
	fmt.Println(cur)
	return nil
}
