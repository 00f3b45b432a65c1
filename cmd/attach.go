package cmd

import (
	"fmt"
	"net"

	"github.com/urfave/cli"

	"guestscope/utils"
)

var srvFlag = cli.StringFlag{
	Name:  "srv",
	Usage: "session server transport, http or grpc; default service.transport",
}

var attach = cli.Command{
	Name:      "attach",
	Usage:     "open a session on a guest and start the REPL",
	ArgsUsage: "<pid | agent host:port>",
	Description: `A pid attaches to a local emulator process and reads its memory
   directly; host:port connects to a wire agent. The build of the guest is
   detected from the catalog.

   With --serve the session is exposed through a server the REPL talks to,
   so that other clients can connect with "gscope conn". --headless only
   serves.`,
	Flags: []cli.Flag{
		srvFlag,
		cli.BoolFlag{
			Name:  "serve",
			Usage: "serve the session and connect the REPL through the server",
		},
		cli.BoolFlag{
			Name:  "headless",
			Usage: "serve the session without a REPL until interrupted",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "server address, default service.listen",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.ExactArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(Attach, context)
	},
}

// targetArgsCheck validates the first argument, the guest to open.
func targetArgsCheck(args cli.Args) error {
	target := args.First()
	if _, err := utils.ParsePid(target); err == nil {
		if !utils.CheckPid(target) {
			return fmt.Errorf("pid %s does not exist", target)
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return fmt.Errorf("target %q is neither a pid nor host:port", target)
	}

	return nil
}
