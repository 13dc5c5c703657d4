package router

import (
	"net/http"
	"time"

	"Mansoor88-6/worktime-agent/internal/handler"
	"Mansoor88-6/worktime-agent/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func New(agentHandler *handler.AgentHandler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(m, logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", agentHandler.Health)
		r.Post("/ping", agentHandler.Ping)
		r.Post("/events", agentHandler.RecordEvent)
		r.Get("/stats", agentHandler.Stats)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", agentHandler.GetSession)
			r.Post("/login", agentHandler.Login)
			r.Post("/status", agentHandler.ChangeStatus)
			r.Post("/logout", agentHandler.Logout)
		})
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// requestLogger logs each request and records it under its route pattern
func requestLogger(m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			d := time.Since(start)
			m.ObserveHTTP(r.Method, route, status, d)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", route),
				zap.Int("status", status),
				zap.Duration("duration", d),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", fields...)
			} else {
				logger.Debug("HTTP request", fields...)
			}
		})
	}
}
