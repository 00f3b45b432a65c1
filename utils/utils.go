package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/urfave/cli"
)

// Argument count checks for CheckArgs.
const (
	ExactArgs = iota
	MinArgs
	MaxArgs
)

// CheckArgs validates the argument count of a command, printing its help
// on a mismatch, and then hands the arguments to fn.
func CheckArgs(context *cli.Context, expected, checkType int, fn func(args cli.Args) error) error {
	n := context.NArg()
	var bad bool
	var want string
	switch checkType {
	case ExactArgs:
		bad, want = n != expected, "exactly"
	case MinArgs:
		bad, want = n < expected, "at least"
	case MaxArgs:
		bad, want = n > expected, "at most"
	}

	if bad {
		cmdName := context.Command.Name
		fmt.Printf("Incorrect Usage.\n\n")
		_ = cli.ShowCommandHelp(context, cmdName)
		return fmt.Errorf("%s: %q takes %s %d argument(s), got %d", context.App.Name, cmdName, want, expected, n)
	}

	return fn(context.Args())
}

// MatchesAny reports whether name starts with one of prefixes or ends with
// one of suffixes.
func MatchesAny(name string, prefixes, suffixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// MD5 is the hex digest of s.
func MD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
