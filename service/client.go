package service

import "strings"

type CmdType int

const (
	Get CmdType = iota
	Set
	List
	Dump
	Read
	Write
	Emulate
	Info
)

var cmdNames = [...]string{"get", "set", "list", "dump", "read", "write", "emulate", "info"}

func (c CmdType) String() string {
	if c < 0 || int(c) >= len(cmdNames) {
		return "unknown"
	}
	return cmdNames[c]
}

// ParseCmd is the inverse of CmdType.String.
func ParseCmd(s string) (CmdType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range cmdNames {
		if name == s {
			return CmdType(i), true
		}
	}
	return 0, false
}

// Client runs commands against a session, locally or through a server.
// Arguments are the command line after the command name.
type Client interface {
	SendExpr(cmd CmdType, args string) (string, error)
	Complete(prefix string) ([]string, error)
	IsGuestscopeServer() bool
}
