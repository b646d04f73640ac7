package sessions_http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kora/internal/app/sessions"
)

type HealthResponse struct {
	Status string `json:"status"`
}

func RegisterRoutes(r chi.Router, s sessions.SessionService, l *zap.Logger) {
	handler := NewSessionHandler(s, l.With(zap.String("component", "SessionHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handler.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})

	r.Route("/api/payments", func(r chi.Router) {
		r.Post("/create", handler.CreateSessionHandler)
		r.Get("/{sessionId}", handler.GetSessionStatusHandler)
		r.Post("/{sessionId}/confirm", handler.ConfirmSessionHandler)
	})
}

// NewRouter builds the public HTTP surface. /metrics is mounted only when a
// gatherer is given.
func NewRouter(s sessions.SessionService, gatherer prometheus.Gatherer, requestTimeout time.Duration, l *zap.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	RegisterRoutes(router, s, l)
	return router
}
