package logflags

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const DefaultLogDesc = ""

var (
	wire   = false
	cache  = false
	emu    = false
	agent  = false
	http   = false
	grpc   = false
	prowl  = false
	logOut io.WriteCloser = nopCloser{os.Stderr}
)

// Logger is the logging surface used across the tree. zap's SugaredLogger satisfies it.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Info(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Setup sets the component flags from logstr and redirects output to logDest.
// logDest may be empty (stderr), a file descriptor number, or a path.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		if fd, err := strconv.Atoi(logDest); err == nil {
			logOut = os.NewFile(uintptr(fd), "guestscope-logs")
		} else {
			f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("could not open log destination %s: %v", logDest, err)
			}
			logOut = f
		}
	}

	if !logFlag {
		return nil
	}

	if logstr == "" {
		logstr = DefaultComponents
	}
	for _, component := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(component) {
		case "wire":
			wire = true
		case "cache":
			cache = true
		case "emu":
			emu = true
		case "agent":
			agent = true
		case "http":
			http = true
		case "grpc":
			grpc = true
		case "prowler":
			prowl = true
		case "":
		default:
			return fmt.Errorf("unknown log component %q", component)
		}
	}
	return nil
}

// DefaultComponents is what --log enables when no component list is given.
const DefaultComponents = "wire,agent"

// Close closes the log destination if it is not stderr.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

func Wire() bool  { return wire }
func Cache() bool { return cache }
func Emu() bool   { return emu }
func Agent() bool { return agent }
func HTTP() bool  { return http }
func GRPC() bool  { return grpc }
