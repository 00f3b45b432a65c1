package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"guestscope/pkg/prowler"
	"guestscope/service"
)

type Server struct {
	service.ServerImpl
	httpServer *http.Server
	pool       sync.Pool
	done       chan error
}

func NewServer(listener net.Listener, p *prowler.Prowler) *Server {
	impl := service.ServerImpl{
		Listener: listener,
		StopChan: make(chan struct{}),
	}
	impl.SetupLogger("http")

	s := &Server{
		ServerImpl: impl,
		pool: sync.Pool{
			New: func() interface{} {
				return newProcessor(p)
			},
		},
		done: make(chan error, 1),
	}

	s.httpServer = &http.Server{
		Handler: s,
	}

	return s
}

// Run serves in the background; Wait returns once serving stopped.
func (s *Server) Run() error {
	s.Logger.Infof("http server listening on %s", s.Listener.Addr())
	go func() {
		err := s.httpServer.Serve(s.Listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.Logger.Errorf("http server: %v", err)
		}
		s.done <- err
	}()

	return nil
}

func (s *Server) Wait() error {
	select {
	case err := <-s.done:
		return err
	case <-s.StopChan:
		return nil
	}
}

func (s *Server) Stop() error {
	select {
	case <-s.StopChan:
		return nil
	default:
		close(s.StopChan)
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := newContext(s.Logger, w, r)
	p := s.pool.Get().(*processor)
	defer s.pool.Put(p)
	ctx.chain = httpHandlerChain(p.worker)
	ctx.chain.exec(ctx)
}
