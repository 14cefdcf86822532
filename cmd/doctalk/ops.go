package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sessionStatus interface {
	State() session.State
	Ready() bool
}

type storePinger interface {
	Ping(ctx context.Context) error
}

// newOpsMux serves liveness, readiness, and Prometheus metrics.
func newOpsMux(s sessionStatus, store storePinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"session": func(ctx context.Context) (bool, error) {
			if state := s.State(); state != session.StateOpen {
				return false, fmt.Errorf("session %s", state)
			}
			if !s.Ready() {
				return false, session.ErrNoUser
			}
			return true, nil
		},
	}
	if store != nil {
		checks["docstore"] = func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func startOpsServer(addr string, handler http.Handler) *http.Server {
	logger := observability.Component("ops")
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving /metrics, /health, /ready")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Ops server failed")
		}
	}()
	return server
}
