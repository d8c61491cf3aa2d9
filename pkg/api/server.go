package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/events"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Server is the lifecycle sagad drives: Start blocks until Shutdown.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// ServerOption customizes an HTTPServer.
type ServerOption func(*HTTPServer)

// WithEventStream runs relay while the server is up so websocket clients
// receive bus events.
func WithEventStream(relay *events.Relay) ServerOption {
	return func(s *HTTPServer) { s.relay = relay }
}

// HTTPServer serves the REST API and the event stream.
type HTTPServer struct {
	cfg      config.HTTPConfig
	server   *http.Server
	router   chi.Router
	log      logger.Logger
	handlers *Handlers
	relay    *events.Relay

	relayOnce sync.Once
	relayStop context.CancelFunc
	relayDone chan struct{}
}

var _ Server = (*HTTPServer)(nil)

// NewHTTPServer builds the router and the http.Server for cfg.
func NewHTTPServer(cfg *config.Config, log logger.Logger, h *Handlers, opts ...ServerOption) *HTTPServer {
	router := NewRouter(cfg, log, h)
	s := &HTTPServer{
		cfg:    cfg.Server.HTTP,
		router: router,
		log:    log.With("component", "http"),
		server: &http.Server{
			Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:        router,
			ReadTimeout:    cfg.Server.HTTP.ReadTimeout,
			WriteTimeout:   cfg.Server.HTTP.WriteTimeout,
			IdleTimeout:    cfg.Server.HTTP.IdleTimeout,
			MaxHeaderBytes: cfg.Server.HTTP.MaxHeaderBytes,
		},
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the configured router.
func (s *HTTPServer) Router() chi.Router {
	return s.router
}

// Start runs the event relay and serves HTTP until Shutdown. A clean
// shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.runRelay()
	s.log.Info("listening",
		"addr", s.server.Addr,
		"read_timeout", s.cfg.ReadTimeout,
		"write_timeout", s.cfg.WriteTimeout,
	)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.log.Error("http server failed", "error", err)
	return errors.Wrap(err, "serving http")
}

// Shutdown drains in-flight requests, stops the relay and disconnects
// stream clients, in that order.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	err := s.server.Shutdown(ctx)
	s.stopRelay()
	if s.handlers != nil && s.handlers.WebSocket != nil {
		s.handlers.WebSocket.Close()
	}
	if err != nil {
		s.log.Error("http shutdown failed", "error", err)
		return errors.Wrap(err, "shutting down http")
	}
	s.log.Info("stopped")
	return nil
}

func (s *HTTPServer) runRelay() {
	if s.relay == nil {
		return
	}
	s.relayOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.relayStop = cancel
		s.relayDone = make(chan struct{})
		go func() {
			defer close(s.relayDone)
			if err := s.relay.Run(ctx); err != nil {
				s.log.Error("event relay stopped", "error", err)
			}
		}()
	})
}

func (s *HTTPServer) stopRelay() {
	// claims the once so a Start racing Shutdown cannot launch the relay
	s.relayOnce.Do(func() {})
	if s.relayStop == nil {
		return
	}
	s.relayStop()
	<-s.relayDone
}
