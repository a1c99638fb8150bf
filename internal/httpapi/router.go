// Package httpapi is the reference rides backend the worker talks to.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/erauner12/ridesync/internal/auth"
	"github.com/erauner12/ridesync/internal/service/rides"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// RideService is the storage the handlers run against
type RideService interface {
	auth.UserStore
	ListBikes(ctx context.Context, userID int64) ([]rides.Bike, error)
	AssertOwner(ctx context.Context, bikeID, userID int64) error
	ListRides(ctx context.Context, bikeID int64) ([]rides.Ride, error)
	CreateRide(ctx context.Context, bikeID int64, p rides.RidePartial) (rides.Ride, error)
	UpdateRide(ctx context.Context, bikeID, rideID int64, p rides.RidePartial) (rides.Ride, error)
	DeleteRide(ctx context.Context, bikeID, rideID int64) error
	ActiveYears(ctx context.Context, bikeID int64) ([]int, error)
	MonthRides(ctx context.Context, bikeID int64, year, month int) (rides.Month, error)
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Rides        RideService
	Version      string
	Hostnames    []string
	Integrations []string
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Routes creates the HTTP router with all API endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		// Status is probed by workers choosing a host
		r.Get("/status", s.Status)
		r.Head("/status", s.Status)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.Rides, jwt))

			r.Get("/bikes", s.ListBikes)

			r.Get("/rides", s.ListRides)
			r.Post("/rides", s.CreateRide)
			r.Get("/rides/years", s.ActiveYears)
			r.Get("/rides/{bikeId}/{year}/{month}", s.MonthRides)
			r.Put("/rides/{bikeId}/{id}", s.UpdateRide)
			r.Delete("/rides/{bikeId}/{id}", s.DeleteRide)

			r.Route("/bikes/{bikeId}/rides", func(r chi.Router) {
				r.Get("/", s.ListRides)
				r.Post("/", s.CreateRide)
				r.Get("/years", s.ActiveYears)
				r.Get("/{year}/{month}", s.MonthRides)
				r.Put("/{id}", s.UpdateRide)
				r.Delete("/{id}", s.DeleteRide)
			})
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
