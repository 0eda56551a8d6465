package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/video_relay/internal/telemetry"
)

// NewRouter mounts the transfer API next to the health and metrics endpoints,
// which stay outside basic auth.
func NewRouter(transfers *TransfersHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", transfers.Routes())

	return r
}
