package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/calsync"
	"calsync/internal/config"
	"calsync/internal/engagement"
	appLog "calsync/internal/log"
	"calsync/internal/scheduler"
)

// Deps are the engine parts the API exposes. Scheduler may be nil.
type Deps struct {
	Config *config.Config
	// ConfigPath is where preference changes are persisted. Empty keeps
	// them in memory only.
	ConfigPath string

	Manager    *calsync.Manager
	Reconciler *calsync.Reconciler
	Port       calendar.Port
	Entities   calsync.Entities
	Hub        *engagement.Hub
	Scheduler  *scheduler.Scheduler
}

// Server provides the HTTP API over the sync engine.
type Server struct {
	cfg        *config.Config
	configPath string

	manager    *calsync.Manager
	reconciler *calsync.Reconciler
	port       calendar.Port
	entities   calsync.Entities
	hub        *engagement.Hub
	sched      *scheduler.Scheduler

	mux *http.ServeMux
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		configPath: d.ConfigPath,
		manager:    d.Manager,
		reconciler: d.Reconciler,
		port:       d.Port,
		entities:   d.Entities,
		hub:        d.Hub,
		sched:      d.Scheduler,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("POST /api/engagements", s.handleEngagements)

	s.mux.HandleFunc("GET /api/sync", s.handleListSync)
	s.mux.HandleFunc("POST /api/sync/{kind}/{id}", s.handleSync)
	s.mux.HandleFunc("DELETE /api/sync/{kind}/{id}", s.handleRemove)

	s.mux.HandleFunc("POST /api/reconcile", s.handleReconcileAll)
	s.mux.HandleFunc("POST /api/reconcile/events/{id}", s.handleReconcileEvent)
	s.mux.HandleFunc("POST /api/reconcile/reinstall", s.handleReinstall)

	s.mux.HandleFunc("GET /api/preferences", s.handleGetPreferences)
	s.mux.HandleFunc("PUT /api/preferences", s.handlePutPreferences)
}
