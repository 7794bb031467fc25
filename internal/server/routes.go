package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Get("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(compressJSON)
		r.Route("/upload", func(r chi.Router) {
			r.Post("/init", s.handleInit)
			r.Post("/chunk", s.handleChunk)
			r.Post("/finalize", s.handleFinalize)
			r.Get("/{uploadId}", s.handleStatus)
			r.Delete("/{uploadId}", s.handleAbort)
		})
		r.Get("/cleanup/last", s.handleLastCleanup)
	})

	r.With(compressJSON).Get("/d/{token}", s.handleResolve)
	r.Get("/f/{fileId}", s.handleDownload)

	return r
}
