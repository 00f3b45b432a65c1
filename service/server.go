package service

import (
	"net"

	"guestscope/pkg/logflags"
)

// Server represents a server for a remote client
// to connect to.
type Server interface {
	Run() error
	Stop() error
}

type ServerImpl struct {
	Logger   logflags.Logger
	Listener net.Listener
	StopChan chan struct{}
}

// SetupLogger picks the component logger of the transport. logflags must
// already be set up.
func (si *ServerImpl) SetupLogger(transport string) {
	switch transport {
	case "grpc":
		si.Logger = logflags.GRPCLogger()
	case "http":
		fallthrough
	default:
		si.Logger = logflags.HTTPLogger()
	}
}
