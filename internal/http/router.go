package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tilewarm/internal/telemetry"
)

func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(h.RequestLoggingMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(h.CORSMiddleware())

	r.Get("/healthz", h.HandleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/{kind}/soar/generateTilesIntoCache", h.HandleGenerateTiles)
	r.Get("/cog/soar/preview", h.HandlePreview)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/warm", h.HandleWarm)
		r.Get("/runs/{id}", h.HandleGetRun)
		r.Delete("/runs/{id}", h.HandleCancelRun)
		r.Get("/tile-url", h.HandleTileURL)
	})

	return r
}
