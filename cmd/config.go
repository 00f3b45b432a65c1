package cmd

import (
	"os"

	"github.com/urfave/cli"
)

var showConfig = cli.Command{
	Name:  "config",
	Usage: "print the effective configuration as TOML",
	Action: func(*cli.Context) error {
		return conf.Encode(os.Stdout)
	},
}
