package service

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"guestscope/pkg/prowler"
	"guestscope/utils"
)

// Usage is the argument synopsis of each command.
var Usage = map[CmdType]string{
	Get:     "get TYPE@ADDR[.field|[n]]...",
	Set:     "set TYPE@ADDR[.field|[n]]... VALUE",
	List:    "list [-s|-t] [PATTERN]",
	Dump:    "dump TYPE@ADDR[.field|[n]]...",
	Read:    "read ADDR SIZE",
	Write:   "write ADDR HEXBYTES",
	Emulate: "emulate [-t] FUNC [REG=VALUE]...",
	Info:    "info",
}

// Exec runs one command against the session and renders its result as
// text. Both the REPL and the servers go through it.
func Exec(p *prowler.Prowler, cmd CmdType, args string) (string, error) {
	argv, err := shlex.Split(args)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	switch cmd {
	case Get:
		if len(argv) != 1 {
			return "", usageError(cmd)
		}
		v, err := p.Get(argv[0])
		if err != nil {
			return "", err
		}
		return v.MultilineString("", ""), nil

	case Set:
		if len(argv) != 2 {
			return "", usageError(cmd)
		}
		if err := p.Set(argv[0], argv[1]); err != nil {
			return "", err
		}
		v, err := p.Get(argv[0])
		if err != nil {
			return "", err
		}
		return v.MultilineString("", ""), nil

	case List:
		return list(p, argv)

	case Dump:
		if len(argv) != 1 {
			return "", usageError(cmd)
		}
		return p.Dump(argv[0])

	case Read:
		if len(argv) != 2 {
			return "", usageError(cmd)
		}
		size, err := strconv.ParseUint(argv[1], 0, 32)
		if err != nil {
			return "", fmt.Errorf("bad size %q", argv[1])
		}
		addr, err := p.Addr(argv[0])
		if err != nil {
			return "", err
		}
		data, err := p.Read(argv[0], size)
		if err != nil {
			return "", err
		}
		return utils.HexDump(addr, data), nil

	case Write:
		if len(argv) < 2 {
			return "", usageError(cmd)
		}
		data, err := hex.DecodeString(strings.Join(strings.Fields(strings.Join(argv[1:], " ")), ""))
		if err != nil {
			return "", fmt.Errorf("bad bytes: %w", err)
		}
		if err := p.Write(argv[0], data); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes", len(data)), nil

	case Emulate:
		return emulate(p, argv)

	case Info:
		return p.Info(), nil
	}
	return "", fmt.Errorf("unknown command %d", cmd)
}

func usageError(cmd CmdType) error {
	return fmt.Errorf("usage: %s", Usage[cmd])
}

// list with no pattern lists everything. A pattern ending in * matches
// prefixes, one starting with * matches suffixes, and anything else is a
// fuzzy match.
func list(p *prowler.Prowler, argv []string) (string, error) {
	t := prowler.All
	var pattern string
	for _, arg := range argv {
		switch arg {
		case "-s":
			t = prowler.Symbol
		case "-t":
			t = prowler.Type
		default:
			if pattern != "" {
				return "", usageError(List)
			}
			pattern = arg
		}
	}

	var names []string
	switch {
	case pattern == "":
		names = p.List(t, nil, nil)
	case strings.HasSuffix(pattern, "*"):
		names = p.List(t, []string{strings.TrimSuffix(pattern, "*")}, nil)
	case strings.HasPrefix(pattern, "*"):
		names = p.List(t, nil, []string{strings.TrimPrefix(pattern, "*")})
	default:
		kind := make(map[string]bool)
		for _, name := range p.List(t, nil, nil) {
			kind[name] = true
		}
		for _, name := range p.ListFuzzy(pattern) {
			if kind[name] {
				names = append(names, name)
			}
		}
	}
	return strings.Join(names, "\n"), nil
}

func emulate(p *prowler.Prowler, argv []string) (string, error) {
	var (
		b     strings.Builder
		trace io.Writer
	)
	if len(argv) > 0 && argv[0] == "-t" {
		trace, argv = &b, argv[1:]
	}
	if len(argv) == 0 {
		return "", usageError(Emulate)
	}

	res, err := p.Emulate(argv[0], argv[1:], trace)
	if err != nil {
		return b.String(), err
	}
	if trace != nil {
		fmt.Fprintf(&b, "steps = %d\n", res.Steps)
	}
	fmt.Fprintf(&b, "x0 = %s\ns0 = %s", res.CPU.FormatReg("x0"), res.CPU.FormatReg("s0"))
	return b.String(), nil
}
