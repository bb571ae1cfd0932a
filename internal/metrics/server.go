package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the scrape handler for g. A nil g uses
// prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Route mounts an extra handler next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes /metrics and routes on addr until ctx is cancelled. A
// plain /healthz is served unless a route claims it.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger, routes ...Route) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	claimed := false
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
		claimed = claimed || r.Pattern == "/healthz"
	}
	if !claimed {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
