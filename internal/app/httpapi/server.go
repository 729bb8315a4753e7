package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var _ system.Service = (*Service)(nil)

// Service runs the HTTP server as a lifecycle-managed component.
type Service struct {
	addr    string
	handler http.Handler
	log     *logger.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	errCh    chan error
}

// NewService builds a stopped HTTP server for handler on addr.
func NewService(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &Service{
		addr:         addr,
		handler:      handler,
		log:          log,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		errCh:        make(chan error, 1),
	}
}

func (s *Service) Name() string { return "http" }

// Addr returns the bound address once started, else the configured one.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Errors reports a server failure after Start returned.
func (s *Service) Errors() <-chan error { return s.errCh }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	s.server = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	s.log.Infof("HTTP server listening on %s", ln.Addr().String())
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("HTTP server stopped")
	return nil
}
