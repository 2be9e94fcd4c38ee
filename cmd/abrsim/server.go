package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/thesyncim/abrstream/internal/logger"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/stream"
)

// statusSource is what the status endpoint reports on.
type statusSource interface {
	Summary(ctx context.Context) (summary, error)
	Statuses() []stream.StreamStatus
}

type statusResponse struct {
	Summary summary               `json:"summary"`
	Streams []stream.StreamStatus `json:"streams"`
}

// newRouter serves /metrics, /status and the pprof endpoints under /debug.
func newRouter(log *slog.Logger, met *metrics.Metrics, src statusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(nil).ServeHTTP(w, r)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		sum, err := src.Summary(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{Summary: sum, Streams: src.Statuses()}); err != nil {
			log.Warn("encoding status", slog.Any("error", err))
		}
	})
	r.Mount("/debug", middleware.Profiler())

	return otelhttp.NewHandler(r, "abrsim",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && !strings.HasPrefix(r.URL.Path, "/debug")
		}),
	)
}

// Summary implements statusSource.
func (s *session) Summary(ctx context.Context) (summary, error) {
	var out summary
	err := s.loop.Do(ctx, func() { out = s.snapshot() })
	return out, err
}

// Statuses implements statusSource.
func (s *session) Statuses() []stream.StreamStatus {
	return s.tracker.Snapshot()
}
