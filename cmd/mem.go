package cmd

import (
	"github.com/urfave/cli"

	"guestscope/utils"
)

var readMem = cli.Command{
	Name:      "read",
	Usage:     "print guest memory as hex",
	ArgsUsage: "<target> <addr> <size>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 3, utils.ExactArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(ReadMem, context)
	},
}

var writeMem = cli.Command{
	Name:      "write",
	Usage:     "write raw bytes, given as hex, to guest memory",
	ArgsUsage: "<target> <addr> <hex bytes>...",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 3, utils.MinArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(WriteMem, context)
	},
}
