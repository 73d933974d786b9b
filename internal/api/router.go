package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homegate/internal/auth"
)

// buildRouter mounts /metrics and the /api/v1 routes. Health is public;
// everything else is gated by role once auth is enabled.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.observe, s.recoverPanics, s.cors, s.limitBody, s.throttle)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermRead))

				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/{id}", s.handleGetDevice)
				r.Get("/actionners", s.handleListActionners)
				r.Get("/actionners/{id}", s.handleGetActionner)
				r.Get("/protocols", s.handleListProtocols)
				r.Get("/kinds", s.handleListKinds)
				r.Get("/stats", s.handleStats)
				r.Get("/ws", s.handleWebSocket)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermRegister))

				r.Post("/devices", s.handleRegisterDevice)
				r.Post("/actionners", s.handleRegisterActionner)
			})

			r.With(s.require(auth.PermCommand)).Post("/devices/{id}/command", s.handleCommand)
			r.With(s.require(auth.PermAudit)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}
