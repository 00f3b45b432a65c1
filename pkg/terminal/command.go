package terminal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/shlex"

	"guestscope/service"
)

type cmdFn func(term *Term, args string) error

type command struct {
	aliases []string
	fn      cmdFn
	help    string
}

func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

type Commands struct {
	cmds   []command
	client service.Client
}

func NewCommands(client service.Client) *Commands {
	c := &Commands{
		client: client,
	}

	c.cmds = []command{
		{
			aliases: []string{"help", "h"},
			fn:      c.help,
			help: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{
			aliases: []string{"get", "g"},
			fn:      send(service.Get),
			help: `Evaluates a typed expression and prints its value one level deep.

	get TYPE@ADDR[.field|[n]]...

ADDR is a catalog symbol, a number, or either plus or minus an offset.
g:ADDR names an address as the disassembler shows it. Field and index
steps go through pointers.

	get Player@main_actor.pos[1]
	get u32@g:0x7100fa1230`,
		},
		{
			aliases: []string{"set", "s"},
			fn:      send(service.Set),
			help: `Writes a scalar or a pointer.

	set EXPR VALUE

Pointers take address expressions or null.`,
		},
		{
			aliases: []string{"list", "ls"},
			fn:      send(service.List),
			help: `Lists catalog symbols and types.

	list [-s|-t] [PATTERN]

-s lists only symbols and -t only types. PATTERN* matches prefixes,
*PATTERN suffixes, and anything else matches names holding the letters
of PATTERN in order.`,
		},
		{
			aliases: []string{"dump", "d"},
			fn:      send(service.Dump),
			help: `Prints a value following the fields its layout marks deep.

	dump EXPR`,
		},
		{
			aliases: []string{"read", "x"},
			fn:      send(service.Read),
			help: `Prints guest memory as hex.

	read ADDR SIZE`,
		},
		{
			aliases: []string{"write", "w"},
			fn:      send(service.Write),
			help: `Writes raw bytes to guest memory.

	write ADDR HEXBYTES`,
		},
		{
			aliases: []string{"emulate", "call"},
			fn:      send(service.Emulate),
			help: `Runs a guest function on a copy of memory and prints x0 and s0.

	emulate [-t] FUNC [REG=VALUE]...

Stores made by the function are discarded. Values for s and d registers
may be floats. -t traces every instruction.`,
		},
		{
			aliases: []string{"info", "i"},
			fn:      send(service.Info),
			help:    "Prints the detected build, the guest images and cache counters.",
		},
		{
			aliases: []string{"transcript"},
			fn:      transcript,
			help: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

-t truncates the output file, -x suppresses output on stdout.`,
		},
		{
			aliases: []string{"exit", "quit", "q"},
			fn:      exit,
			help:    "Exits the REPL.",
		},
	}
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) command {
	if cmdstr == "" {
		return command{aliases: []string{"nullcmd"}, fn: nullCommand}
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v
		}
	}

	return command{aliases: []string{"nocmd"}, fn: noCmdAvailable}
}

func (c *Commands) Call(cmdStr string, t *Term) error {
	cmd, argStr, _ := strings.Cut(strings.TrimSpace(cmdStr), " ")

	return c.Find(cmd).fn(t, strings.TrimSpace(argStr))
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		cmd := c.Find(args)
		if cmd.match("nocmd") {
			return errNoCmd
		}
		fmt.Fprintln(t.stdout, cmd.help)
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.help
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func send(cmd service.CmdType) cmdFn {
	return func(t *Term, args string) error {
		out, err := t.client.SendExpr(cmd, args)
		if out != "" {
			fmt.Fprintln(t.stdout, strings.TrimSuffix(out, "\n"))
		}
		return err
	}
}

func transcript(t *Term, args string) error {
	argv, err := shlex.Split(args)
	if err != nil {
		return err
	}
	truncate, fileOnly, disable := false, false, false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off given with an output path")
		}
		return t.stdout.CloseTranscript()
	}
	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}
	if err := t.stdout.CloseTranscript(); err != nil {
		fh.Close()
		return err
	}
	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exit(t *Term, args string) error {
	return ExitRequestError{}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}
