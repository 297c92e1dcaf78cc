package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/fantasim/utxo-recycler/internal/api/handlers"
	"github.com/fantasim/utxo-recycler/internal/api/middleware"
	"github.com/fantasim/utxo-recycler/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates and configures the Chi router with the recycle
// creation API and a health endpoint. HTML rendering, QR codes, and
// admin stats are external collaborators outside this core's scope.
func NewRouter(deps *handlers.RecycleDeps, cfg *config.Config) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogging)
	r.Use(middleware.HostCheck)
	r.Use(middleware.CORS)
	r.Use(middleware.CSRF)

	slog.Info("router initialized",
		"middleware", []string{"requestLogging", "hostCheck", "cors", "csrf"},
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.HealthHandler(cfg, deps.Store, Version))

		r.Route("/recycles", func(r chi.Router) {
			r.Post("/", handlers.CreateRecycle(deps))
			r.Get("/{id}", handlers.GetRecycle(deps))
		})
	})

	return r
}
