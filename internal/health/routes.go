package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// StatusFunc returns the poller status document served on /status.
type StatusFunc func() interface{}

// NewRouter builds the ops routes: /health, /health/live, /metrics and /status.
func NewRouter(h *HealthChecker, metrics http.Handler, status StatusFunc, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", h.HealthHandler)
	r.Get("/health/live", h.LivenessHandler)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, status())
		})
	}
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
