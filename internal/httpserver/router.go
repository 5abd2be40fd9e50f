package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gemigate/internal/handlers"
	"gemigate/internal/metrics"
	"gemigate/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h *handlers.Handler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())          // panic recovery
	r.Use(middleware.MaxBodySize(8 << 20)) // 8 MB max body, inline media is large

	// routes
	r.Route("/v1", func(r chi.Router) {
		// Streams run until the upstream finishes, so no blanket timeout here.
		r.Post("/chat/completions", h.ChatCompletions)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/models", h.ListModels)
			r.Post("/embeddings", h.Embeddings)
			r.Post("/audio/speech", h.Speech)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
