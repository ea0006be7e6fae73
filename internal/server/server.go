package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/observability"
)

// Options configures the HTTP surface.
type Options struct {
	MetricsEnabled bool
	ReadyChecks    map[string]observability.HealthCheckFunc
	Logger         zerolog.Logger
}

// Handler assembles the HTTP surface: the UI websocket, health and readiness
// probes, and the Prometheus endpoint.
func Handler(hub *Hub, controller Controller, opts Options) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub, controller, opts.Logger)

	mux.HandleFunc("/healthz", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(opts.ReadyChecks))

	if opts.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return mux
}
