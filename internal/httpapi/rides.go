package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/erauner12/ridesync/internal/auth"
	"github.com/erauner12/ridesync/internal/service/rides"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ListBikes handles GET /api/bikes
func (s *Server) ListBikes(w http.ResponseWriter, r *http.Request) {
	bikes, err := s.Rides.ListBikes(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if bikes == nil {
		bikes = []rides.Bike{}
	}
	writeJSON(w, http.StatusOK, bikes)
}

// bikeParam reads the bike id from the path or the bikeId query parameter
// and checks that the caller owns it.
func (s *Server) bikeParam(w http.ResponseWriter, r *http.Request, fromBody int64) (int64, bool) {
	raw := chi.URLParam(r, "bikeId")
	if raw == "" {
		raw = r.URL.Query().Get("bikeId")
	}

	bikeID := fromBody
	if raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid bikeId")
			return 0, false
		}
		bikeID = n
	}
	if bikeID <= 0 {
		writeError(w, http.StatusBadRequest, "bikeId is required")
		return 0, false
	}

	if err := s.Rides.AssertOwner(r.Context(), bikeID, auth.UserID(r.Context())); err != nil {
		s.fail(w, r, err)
		return 0, false
	}
	return bikeID, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

type rideBody struct {
	rides.RidePartial
	BikeID int64 `json:"bikeId"`
}

func decodeRide(w http.ResponseWriter, r *http.Request) (rideBody, bool) {
	var body rideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return body, false
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return body, false
	}
	return body, true
}

// fail maps service errors onto HTTP statuses
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rides.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, rides.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("rides request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListRides handles GET /api/rides?bikeId= and GET /api/bikes/{bikeId}/rides
func (s *Server) ListRides(w http.ResponseWriter, r *http.Request) {
	bikeID, ok := s.bikeParam(w, r, 0)
	if !ok {
		return
	}
	list, err := s.Rides.ListRides(r.Context(), bikeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []rides.Ride{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateRide handles POST /api/rides and POST /api/bikes/{bikeId}/rides
func (s *Server) CreateRide(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeRide(w, r)
	if !ok {
		return
	}
	bikeID, ok := s.bikeParam(w, r, body.BikeID)
	if !ok {
		return
	}
	ride, err := s.Rides.CreateRide(r.Context(), bikeID, body.RidePartial)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// UpdateRide handles PUT on a single ride
func (s *Server) UpdateRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	body, ok := decodeRide(w, r)
	if !ok {
		return
	}
	bikeID, ok := s.bikeParam(w, r, 0)
	if !ok {
		return
	}
	ride, err := s.Rides.UpdateRide(r.Context(), bikeID, rideID, body.RidePartial)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// DeleteRide handles DELETE on a single ride
func (s *Server) DeleteRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	bikeID, ok := s.bikeParam(w, r, 0)
	if !ok {
		return
	}
	if err := s.Rides.DeleteRide(r.Context(), bikeID, rideID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveYears handles the years endpoints
func (s *Server) ActiveYears(w http.ResponseWriter, r *http.Request) {
	bikeID, ok := s.bikeParam(w, r, 0)
	if !ok {
		return
	}
	years, err := s.Rides.ActiveYears(r.Context(), bikeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if years == nil {
		years = []int{}
	}
	writeJSON(w, http.StatusOK, years)
}

// MonthRides handles the month summary endpoints
func (s *Server) MonthRides(w http.ResponseWriter, r *http.Request) {
	year, ok := intParam(w, r, "year")
	if !ok {
		return
	}
	month, ok := intParam(w, r, "month")
	if !ok {
		return
	}
	if month > 12 {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}
	bikeID, ok := s.bikeParam(w, r, 0)
	if !ok {
		return
	}
	m, err := s.Rides.MonthRides(r.Context(), bikeID, int(year), int(month))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if m.Rides == nil {
		m.Rides = []rides.Ride{}
	}
	writeJSON(w, http.StatusOK, m)
}
