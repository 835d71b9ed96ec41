package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const headerOffline = "X-Offline0"

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.log.Named("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{headerOffline, "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/contact", s.submitContact)

		r.Route("/blog", func(r chi.Router) {
			r.Get("/cached", s.listCached)
			r.Get("/cache/stats", s.cacheStats)
			r.Delete("/cache", s.clearCache)
			r.Delete("/cache/{id}", s.removeCached)
			r.Get("/{id}", s.getPost)
		})

		r.Get("/sync/pending", s.pendingSync)

		r.Route("/push", func(r chi.Router) {
			r.Get("/status", s.pushStatus)
			r.Post("/subscription", s.pushSubscribe)
			r.Delete("/subscription", s.pushUnsubscribe)
			r.Post("/subscriptions", s.pushForward)
		})

		r.HandleFunc("/*", s.passThrough)
	})
	return r
}

func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
				zap.String("offline0", ww.Header().Get(headerOffline)),
			)
		})
	}
}
