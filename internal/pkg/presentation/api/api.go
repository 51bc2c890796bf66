package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/application/services/trafficstream"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FeedClient is the read only view of the feed client exposed over http.
type FeedClient interface {
	Stats() trafficstream.Stats
	TestConnection(ctx context.Context) (trafficstream.ProbeResult, error)
}

// RegisterHandlers adds the operational endpoints to mux.
func RegisterHandlers(ctx context.Context, mux *http.ServeMux, feed FeedClient, gatherer prometheus.Gatherer) {
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health/ready", NewReadinessHandler(feed))
	mux.HandleFunc("GET /debug/stats", NewStatsHandler(ctx, feed))
	mux.HandleFunc("GET /debug/probe", NewProbeHandler(ctx, feed))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func NewReadinessHandler(feed FeedClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !feed.Stats().Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func NewStatsHandler(ctx context.Context, feed FeedClient) http.HandlerFunc {
	logger := logging.GetFromContext(ctx)

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, feed.Stats(), func(err error) {
			logger.Error("failed to write stats response", "err", err.Error())
		})
	}
}

// NewProbeHandler runs a diagnostics probe against the feed. The probe is
// bounded by its own timeout regardless of the incoming request.
func NewProbeHandler(ctx context.Context, feed FeedClient) http.HandlerFunc {
	logger := logging.GetFromContext(ctx)

	return func(w http.ResponseWriter, r *http.Request) {
		probeCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		result, err := feed.TestConnection(probeCtx)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, trafficstream.ErrNotConfigured) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}

		status := http.StatusOK
		if result.Outcome != trafficstream.ProbeOK {
			status = http.StatusBadGateway
		}

		writeJSON(w, status, result, func(err error) {
			logger.Error("failed to write probe response", "err", err.Error())
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, onError func(error)) {
	b, err := json.Marshal(v)
	if err != nil {
		onError(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err = w.Write(b); err != nil {
		onError(err)
	}
}
