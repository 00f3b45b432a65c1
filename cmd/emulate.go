package cmd

import (
	"github.com/urfave/cli"

	"guestscope/utils"
)

var emulate = cli.Command{
	Name:      "emulate",
	Usage:     "run a guest function on a copy of memory and print x0 and s0",
	ArgsUsage: "<target> <func> [reg=value]...",
	Description: `func is an address expression, usually a catalog symbol. Integer
   registers take address expressions; s and d registers also take floats.
   Calls to catalog functions with stubs, like the guard acquire and release
   helpers, are not executed.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "trace, t",
			Usage: "print every executed instruction",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 2, utils.MinArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(Emulate, context)
	},
}

var info = cli.Command{
	Name:      "info",
	Usage:     "print the detected build and the guest's images",
	ArgsUsage: "<target>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.ExactArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(Info, context)
	},
}
