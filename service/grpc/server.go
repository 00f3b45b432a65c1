package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	e "guestscope/error"
	"guestscope/pkg/prowler"
	"guestscope/service"
)

type Server struct {
	service.ServerImpl
	grpcServer *grpc.Server
	prowler    *prowler.Prowler
}

func NewServer(listener net.Listener, p *prowler.Prowler) *Server {
	s := &Server{
		ServerImpl: service.ServerImpl{
			Listener: listener,
			StopChan: make(chan struct{}),
		},
		prowler: p,
	}
	s.SetupLogger("grpc")
	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.logCall),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Run serves until Stop.
func (s *Server) Run() error {
	s.Logger.Infof("grpc server listening on %s", s.Listener.Addr())
	return s.grpcServer.Serve(s.Listener)
}

func (s *Server) Stop() error {
	select {
	case <-s.StopChan:
		return nil
	default:
		close(s.StopChan)
	}
	s.grpcServer.GracefulStop()
	return nil
}

func (s *Server) logCall(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	id := ""
	if r, ok := req.(*ExprRequest); ok {
		id = r.ID
	}
	if err != nil {
		s.Logger.Warnf("%s %s: %v", info.FullMethod, id, err)
	} else {
		s.Logger.Debugf("%s %s in %v", info.FullMethod, id, time.Since(start))
	}
	return resp, err
}

func (s *Server) Ping(context.Context, *PingRequest) (*PingReply, error) {
	m := s.prowler.Mapper()
	return &PingReply{Version: m.Version(), BuildID: m.BuildID}, nil
}

func (s *Server) Exec(_ context.Context, req *ExprRequest) (*ExprReply, error) {
	cmd := service.CmdType(req.Cmd)
	if _, ok := service.ParseCmd(cmd.String()); !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command %d", req.Cmd)
	}
	out, err := service.Exec(s.prowler, cmd, req.Args)
	if err != nil {
		return nil, status.Error(errorCode(err), err.Error())
	}
	return &ExprReply{Output: out}, nil
}

func (s *Server) Complete(_ context.Context, req *CompleteRequest) (*CompleteReply, error) {
	return &CompleteReply{Names: s.prowler.Complete(req.Prefix)}, nil
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, e.ErrUnknownSymbol), errors.Is(err, e.ErrUnknownType):
		return codes.NotFound
	case errors.Is(err, e.ErrNotSettable):
		return codes.InvalidArgument
	case errors.Is(err, e.ErrConnectionClosed):
		return codes.Unavailable
	case errors.Is(err, e.ErrTookTooLong):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
