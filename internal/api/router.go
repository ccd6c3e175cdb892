/**
 * @description
 * This file sets up the HTTP router for the drop-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the router.
type RouterOptions struct {
	AllowedOrigins []string
	// RequestTimeout bounds the JSON endpoints. Uploads and downloads stream and are not bounded.
	RequestTimeout time.Duration
}

// DropRoutes creates and returns a new router for the drop-service.
func DropRoutes(h *DropHandlers, opts RouterOptions) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", PaymentReferenceHeader},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "Retry-After"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			r.Get("/files", h.ListDropsHandler)
			r.Get("/files/seller/{address}", h.ListSellerDropsHandler)
			r.Get("/files/{id}", h.GetDropHandler)
			r.Get("/stats", h.StatsHandler)
		})

		r.Post("/upload", h.UploadHandler)
		r.With(noStore).Get("/download/{id}", h.DownloadHandler)
	})

	return r
}
