package cmd

import (
	"github.com/urfave/cli"

	"guestscope/utils"
)

var write = cli.Command{
	Name:      "set",
	Usage:     "write a scalar or pointer; the guest keeps running, so racing its own writes is possible",
	ArgsUsage: "<target> <TYPE@ADDR[.field|[n]]...> <value>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 3, utils.ExactArgs, writeArgsCheck); err != nil {
			return err
		}

		return exec(Set, context)
	},
}

func writeArgsCheck(args cli.Args) error {
	return readArgsCheck(args)
}
