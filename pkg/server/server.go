package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/inference"
	"github.com/go-go-golems/conclave/pkg/store"
)

type Config struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	// MaxContentBytes caps the size of one user message.
	MaxContentBytes int `mapstructure:"max_content_bytes" yaml:"max_content_bytes"`

	// HeartbeatInterval paces keep-alive frames on idle SSE connections.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// PruneSchedule is a cron expression for the idle-session janitor.
	// Empty disables pruning. SessionTTL is how long an untouched session
	// survives.
	PruneSchedule string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	Council council.Config `mapstructure:"council" yaml:"council"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = 64 * 1024
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 90 * 24 * time.Hour
	}
	return c
}

// Server is the HTTP control surface: session CRUD, turn start and
// streaming, reconnection and abort.
type Server struct {
	cfg      Config
	store    *store.Store
	engine   inference.Engine
	registry *Registry
	cron     *cron.Cron
	httpSrv  *http.Server
}

func New(cfg Config, st *store.Store, engine inference.Engine) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		store:    st,
		engine:   engine,
		registry: NewRegistry(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleStartMessage)
	mux.HandleFunc("GET /api/sessions/{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)

	return mux
}

// ListenAndServe runs the HTTP server and the janitor until ctx is
// cancelled, then shuts down gracefully: the listener closes first, then
// open turns are aborted and persisted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.startJanitor(); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.registry.Shutdown()
	return nil
}

func (s *Server) startJanitor() error {
	if s.cfg.PruneSchedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		cutoff := time.Now().Add(-s.cfg.SessionTTL)
		pruned, err := s.store.PruneIdleSessions(ctx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("session pruning failed")
			return
		}
		if pruned > 0 {
			log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("pruned idle sessions")
		}
	})
	if err != nil {
		return errors.Wrap(err, "invalid prune schedule")
	}

	c.Start()
	s.cron = c
	return nil
}
