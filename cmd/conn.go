package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli"

	"guestscope/utils"
)

var conn = cli.Command{
	Name:      "conn",
	Usage:     "connect the REPL to a session server",
	ArgsUsage: "<host:port>",
	Flags:     []cli.Flag{srvFlag},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.ExactArgs, connArgsCheck); err != nil {
			return err
		}

		return exec(Conn, context)
	},
}

func connArgsCheck(args cli.Args) error {
	addr := args.First()
	if utils.Telnet(addr, 5*time.Second) {
		return nil
	}

	return fmt.Errorf("invalid connection address: %s", addr)
}
