package cmd

import (
	"github.com/urfave/cli"

	"guestscope/utils"
)

var list = cli.Command{
	Name:      "ls",
	Usage:     "list the catalog symbols and types of the guest's build",
	ArgsUsage: "<target>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "type, t",
			Value: "all",
			Usage: "what to list: symbol, type or all",
		},
		cli.StringSliceFlag{
			Name:  "prefixes, p",
			Usage: "prefix filtering",
		},
		cli.StringSliceFlag{
			Name:  "suffixes, s",
			Usage: "suffix filtering",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.ExactArgs, targetArgsCheck); err != nil {
			return err
		}

		return exec(List, context)
	},
}
