// Package admin serves the HTTP side endpoints of long-running gorcon
// processes: Prometheus metrics and a health check.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chronologos/gorcon/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Health is the /healthz body.
type Health struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// NewRouter returns the admin routes. reg is scraped by /metrics.
func NewRouter(reg prometheus.Gatherer, started time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Health{
			Status:  "ok",
			Uptime:  time.Since(started).Round(time.Second).String(),
			Version: version.Version,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// Serve listens on addr and serves h until ctx is cancelled. The returned
// address is the bound one, useful when addr asks for port 0. The error
// channel receives the final serve error, or nil after a clean shutdown.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}()

	log.Info().Stringer("addr", ln.Addr()).Msg("admin endpoints listening")
	return ln.Addr(), errCh, nil
}
