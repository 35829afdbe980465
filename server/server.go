package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiv1 "github.com/chazu/codever/api/v1"
	"github.com/chazu/codever/metadata"
	"github.com/chazu/codever/rejit"
	"github.com/chazu/codever/versioning"
)

var log = commonlog.GetLogger("codever.server")

// Server is the instrumentation server wrapping a code version manager.
// It serves both gRPC and Connect with the CBOR codec on the same port,
// plus a websocket stream of version events.
type Server struct {
	sessions *SessionStore
	bodies   *BodyStore
	events   *EventHub
	mux      *http.ServeMux
	http     *http.Server

	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	sessionTTL    time.Duration
}

// WithSessionTTL sets how long an idle session stays attached and how
// often the sweeper looks for idle sessions.
func WithSessionTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.sessionTTL = ttl
	}
}

// New creates a Server. bodies must be the rejit.Client rj was created
// with.
func New(mgr *versioning.CodeVersionManager, rj *rejit.Manager, registry *metadata.Registry, bodies *BodyStore, opts ...ServerOption) *Server {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		sessionTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions := NewSessionStore(bodies)
	s := &Server{
		sessions: sessions,
		bodies:   bodies,
		events:   NewEventHub(),
		mux:      http.NewServeMux(),
	}
	mgr.AddObserver(s.events)

	svc := NewInstrumentationService(mgr, rj, registry, sessions, bodies)
	handlerOpts := []connect.HandlerOption{connect.WithCodec(apiv1.Codec{})}

	s.mux.Handle(apiv1.AttachProcedure, connect.NewUnaryHandler(apiv1.AttachProcedure, svc.Attach, handlerOpts...))
	s.mux.Handle(apiv1.DetachProcedure, connect.NewUnaryHandler(apiv1.DetachProcedure, svc.Detach, handlerOpts...))
	s.mux.Handle(apiv1.RequestReJITProcedure, connect.NewUnaryHandler(apiv1.RequestReJITProcedure, svc.RequestReJIT, handlerOpts...))
	s.mux.Handle(apiv1.RequestRevertProcedure, connect.NewUnaryHandler(apiv1.RequestRevertProcedure, svc.RequestRevert, handlerOpts...))
	s.mux.Handle(apiv1.ListVersionsProcedure, connect.NewUnaryHandler(apiv1.ListVersionsProcedure, svc.ListVersions, handlerOpts...))
	s.mux.Handle(apiv1.SnapshotProcedure, connect.NewUnaryHandler(apiv1.SnapshotProcedure, svc.Snapshot, handlerOpts...))
	s.mux.Handle(apiv1.EventsPath, s.events)

	s.stopSweeper = sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)

	return s
}

// Handler returns the server's handler. gRPC clients need HTTP/2, so the
// mux is wrapped to accept HTTP/2 without TLS.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Events returns the event hub.
func (s *Server) Events() *EventHub { return s.events }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
// It returns nil once Shutdown has been called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	log.Noticef("codever instrumentation server listening on %s", addr)
	log.Noticef("  Connect/gRPC (cbor): http://%s%s", addr, apiv1.AttachProcedure)
	log.Noticef("  events (websocket):  ws://%s%s", addr, apiv1.EventsPath)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones, and stops
// the sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Stop stops the sweeper. It is safe to call more than once.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
}
