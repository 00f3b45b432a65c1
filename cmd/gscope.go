package cmd

import (
	"github.com/urfave/cli"

	"guestscope/pkg/config"
	"guestscope/pkg/logflags"
)

const (
	usage = `gscope inspects and modifies the memory of an emulated guest, through
   a wire agent inside the emulator or the emulator process itself, using a
   catalog of per-build symbol addresses and type layouts`
)

// conf is the effective configuration, loaded before any command runs.
var conf = config.Default()

func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gscope"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file, default " + config.DefaultPath(),
		},
		cli.StringFlag{
			Name:  "catalog",
			Usage: "address catalog, overrides catalog.path",
		},
		cli.BoolFlag{
			Name:  "log",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log-output",
			Usage: "log destination: a file path or a file descriptor number",
			Value: logflags.DefaultLogDesc,
		},
		cli.StringFlag{
			Name:  "log-components",
			Usage: "comma separated components to log: wire, cache, emu, agent, http, grpc, prowler",
		},
	}
	app.Before = setup
	app.After = func(*cli.Context) error {
		logflags.Close()
		return nil
	}
	app.Commands = []cli.Command{
		read,
		write,
		list,
		dump,
		readMem,
		writeMem,
		emulate,
		info,
		attach,
		conn,
		monitor,
		flags,
		agent,
		showConfig,
	}

	return app
}

func setup(ctx *cli.Context) error {
	c, err := config.Load(ctx.GlobalString("config"))
	if err != nil {
		return err
	}
	if path := ctx.GlobalString("catalog"); path != "" {
		c.Catalog.Path = path
	}
	if ctx.GlobalBool("log") {
		c.Log.Debug = true
	}
	if s := ctx.GlobalString("log-components"); s != "" {
		c.Log.Components = s
	}
	if s := ctx.GlobalString("log-output"); s != "" {
		c.Log.Output = s
	}
	if err := c.SetupLogging(); err != nil {
		return err
	}
	conf = c
	return nil
}
