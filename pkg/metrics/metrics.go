package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/bluesky-social/warden/pkg/env"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// Routes served on the internal metrics listener.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/version", env.VersionHandler)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "OK")
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serves Handler until the context is cancelled. An empty address disables the listener.
func RunServer(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		logger.Info("metrics server disabled")
		return nil
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(),
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", "err", err)
		}
	}()

	logger.Info("metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
