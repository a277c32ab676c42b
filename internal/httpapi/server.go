package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "wasched/pkg/logx"
)

// Server owns one HTTP listener. It is used for both the API and the
// webhook receiver.
type Server struct {
	name string
	log  logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(name string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{name: name, log: log.Named(name)}
}

// Start binds addr and serves h in the background. Serve errors other than
// a graceful close are reported on the returned channel.
func (s *Server) Start(addr string, h http.Handler) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil, errors.New(s.name + " already running on " + s.addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	bound := s.addr
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("server error", logx.String("addr", bound), logx.Err(err))
			errc <- err
		}
	}()
	s.log.Info("listening", logx.String("addr", bound))
	return errc, nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("shutdown error", logx.String("addr", addr), logx.Err(err))
	} else {
		err = nil
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("stopped", logx.String("addr", addr))
	return err
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
