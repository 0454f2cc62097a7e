package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/api/middleware"
)

// maxBodyBytes bounds evaluation and patient payloads
const maxBodyBytes = 1 << 20

// Check reports whether a dependency is ready
type Check func(ctx context.Context) error

// RouterConfig wires the handlers into one http.Handler
type RouterConfig struct {
	Dosing   *DosingHandler
	Catalog  *CatalogHandler
	Patients *PatientHandler // nil disables /patients
	APIKeys  map[string]string
	Metrics  http.Handler
	Ready    map[string]Check
	Origins  []string
	Service  string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewRouter builds the API router
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Origins) == 0 {
		cfg.Origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(cfg.Service))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.Origins...))
	r.Use(chimw.Timeout(cfg.Timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", readiness(cfg.Ready))
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.MaxBody(maxBodyBytes))

		r.Get("/drugs", cfg.Catalog.ListDrugs)
		r.Get("/drugs/{id}", cfg.Catalog.GetDrug)
		r.Get("/protocols", cfg.Catalog.ListProtocols)
		r.Get("/protocols/{id}", cfg.Catalog.GetProtocol)
		r.Post("/protocols/{id}/evaluate", cfg.Dosing.EvaluateProtocol)
		r.Post("/dosing/evaluate", cfg.Dosing.Evaluate)

		if cfg.Patients != nil {
			r.Route("/patients", func(r chi.Router) {
				r.Get("/", cfg.Patients.List)
				r.Post("/", cfg.Patients.Create)
				r.Get("/{id}", cfg.Patients.Get)
				r.Put("/{id}", cfg.Patients.Put)
				r.Delete("/{id}", cfg.Patients.Delete)
			})
		}
	})
	return r
}

func readiness(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		label := "ready"
		if status != http.StatusOK {
			label = "not ready"
		}
		writeJSON(w, status, map[string]any{"status": label, "checks": results})
	}
}
