// Package api is the HTTPS surface the agents call: register, heartbeat and
// command-result, plus health, metrics and the progress WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

// CommandResolver releases a dispatcher goroutine awaiting a command result
type CommandResolver interface {
	Resolve(commandID string, status types.CommandStatus, message string, payload []byte) bool
}

// Server is the agent-facing HTTP server
type Server struct {
	store    storage.Store
	broker   *events.Broker
	resolver CommandResolver
	audit    *audit.Recorder

	httpServer *http.Server
}

// NewServer creates the API server
func NewServer(store storage.Store, broker *events.Broker, resolver CommandResolver, auditRec *audit.Recorder) *Server {
	return &Server{
		store:    store,
		broker:   broker,
		resolver: resolver,
		audit:    auditRec,
	}
}

// Router builds the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/command-result", s.handleCommandResult)
	})

	r.Get("/api/events/ws", events.NewWSHandler(s.broker).ServeHTTP)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Run serves until the context is cancelled. TLS is used when both cert and
// key files are configured.
func (s *Server) Run(ctx context.Context, listenAddr, certFile, keyFile string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream writes indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		logger := log.WithComponent("api")
		var err error
		if certFile != "" && keyFile != "" {
			logger.Info().Str("addr", listenAddr).Msg("Serving HTTPS")
			err = s.httpServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			logger.Warn().Str("addr", listenAddr).Msg("Serving plain HTTP, agents expect TLS in production")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
