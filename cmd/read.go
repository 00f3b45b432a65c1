package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"guestscope/utils"
)

var read = cli.Command{
	Name:      "get",
	Usage:     "print the value of a typed expression",
	ArgsUsage: "<target> <TYPE@ADDR[.field|[n]]...>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 2, utils.ExactArgs, readArgsCheck); err != nil {
			return err
		}

		return exec(Get, context)
	},
}

var dump = cli.Command{
	Name:      "dump",
	Usage:     "print a value following the fields its layout marks deep",
	ArgsUsage: "<target> <TYPE@ADDR[.field|[n]]...>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 2, utils.ExactArgs, readArgsCheck); err != nil {
			return err
		}

		return exec(Dump, context)
	},
}

func readArgsCheck(args cli.Args) error {
	if err := targetArgsCheck(args); err != nil {
		return err
	}

	if !strings.Contains(args.Get(1), "@") {
		return fmt.Errorf("expression must have the form TYPE@ADDR")
	}

	return nil
}
