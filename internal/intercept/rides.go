package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/store"
)

const dateLayout = "2006-01-02"

// RideStore is the part of the local store the ride handlers use
type RideStore interface {
	GetRides(ctx context.Context, bikeID int64) ([]store.Ride, error)
	AddRide(ctx context.Context, ride store.Ride) (store.RideID, error)
	UpdateRide(ctx context.Context, ride store.Ride) (bool, error)
	DeleteRide(ctx context.Context, bikeID int64, id store.RideID) (bool, error)
}

// RideRoutes registers the local rides surface on t. Paths are relative to
// the API prefix. Both the flat /rides family and the nested
// /bikes/{bikeId}/rides family are served.
func RideRoutes(t *Table, rides RideStore) {
	h := &rideHandlers{rides: rides}

	t.MustHandle(http.MethodGet, "/rides/years?bikeId={bikeId:int}", h.years)
	t.MustHandle(http.MethodGet, "/rides?bikeId={bikeId:int}", h.list)
	t.MustHandle(http.MethodPost, "/rides", h.create)
	t.MustHandle(http.MethodGet, "/rides/{bikeId:int}/{year:int}/{month:int}", h.month)
	t.MustHandle(http.MethodPut, "/rides/{bikeId:int}/{id:rideid}", h.update)
	t.MustHandle(http.MethodDelete, "/rides/{bikeId:int}/{id:rideid}", h.remove)

	t.MustHandle(http.MethodGet, "/bikes/{bikeId:int}/rides", h.list)
	t.MustHandle(http.MethodPost, "/bikes/{bikeId:int}/rides", h.create)
	t.MustHandle(http.MethodGet, "/bikes/{bikeId:int}/rides/years", h.years)
	t.MustHandle(http.MethodGet, "/bikes/{bikeId:int}/rides/{year:int}/{month:int}", h.month)
	t.MustHandle(http.MethodPut, "/bikes/{bikeId:int}/rides/{id:rideid}", h.update)
	t.MustHandle(http.MethodDelete, "/bikes/{bikeId:int}/rides/{id:rideid}", h.remove)
}

type rideHandlers struct {
	rides RideStore
}

// rideInput is the request body of create and update
type rideInput struct {
	BikeID      *int64  `json:"bikeId"`
	Date        string  `json:"date"`
	Distance    float64 `json:"distance"`
	Description *string `json:"description"`
	StravaRide  *int64  `json:"stravaRide"`
}

func (in rideInput) validate() error {
	if _, err := time.Parse(dateLayout, in.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD")
	}
	if in.Distance <= 0 {
		return fmt.Errorf("distance must be greater than zero")
	}
	return nil
}

// MonthSummary is the response of the month route
type MonthSummary struct {
	Year          int64        `json:"year"`
	Month         int64        `json:"month"`
	TotalDistance float64      `json:"totalDistance"`
	Rides         []store.Ride `json:"rides"`
}

func decodeRide(r *http.Request) (rideInput, error) {
	var in rideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return in, fmt.Errorf("invalid json: %w", err)
	}
	return in, in.validate()
}

func (h *rideHandlers) list(w http.ResponseWriter, r *http.Request, p Params) {
	rides, err := h.rides.GetRides(r.Context(), p.Int("bikeId"))
	if err != nil {
		internalError(w, r, err)
		return
	}
	if rides == nil {
		rides = []store.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (h *rideHandlers) create(w http.ResponseWriter, r *http.Request, p Params) {
	in, err := decodeRide(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var bikeID int64
	switch {
	case p.Has("bikeId"):
		bikeID = p.Int("bikeId")
	case in.BikeID != nil && *in.BikeID >= 0:
		bikeID = *in.BikeID
	default:
		writeError(w, http.StatusBadRequest, "bikeId is required")
		return
	}

	ride := store.Ride{
		BikeID:      bikeID,
		Date:        in.Date,
		Distance:    in.Distance,
		Description: in.Description,
		StravaRide:  in.StravaRide,
	}
	ride.ID, err = h.rides.AddRide(r.Context(), ride)
	if err != nil {
		internalError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().Str("rideId", ride.ID.String()).Int64("bikeId", bikeID).Msg("ride created locally")
	writeJSON(w, http.StatusCreated, ride)
}

func ridesTime(rides []store.Ride, fn func(store.Ride, time.Time)) {
	for _, ride := range rides {
		t, err := time.Parse(dateLayout, ride.Date)
		if err != nil {
			continue
		}
		fn(ride, t)
	}
}

func (h *rideHandlers) years(w http.ResponseWriter, r *http.Request, p Params) {
	rides, err := h.rides.GetRides(r.Context(), p.Int("bikeId"))
	if err != nil {
		internalError(w, r, err)
		return
	}

	seen := map[int]bool{}
	years := []int{}
	ridesTime(rides, func(_ store.Ride, t time.Time) {
		if !seen[t.Year()] {
			seen[t.Year()] = true
			years = append(years, t.Year())
		}
	})
	sort.Ints(years)

	writeJSON(w, http.StatusOK, years)
}

func (h *rideHandlers) month(w http.ResponseWriter, r *http.Request, p Params) {
	year, month := p.Int("year"), p.Int("month")
	if month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "month must be between 1 and 12")
		return
	}

	rides, err := h.rides.GetRides(r.Context(), p.Int("bikeId"))
	if err != nil {
		internalError(w, r, err)
		return
	}

	summary := MonthSummary{Year: year, Month: month, Rides: []store.Ride{}}
	ridesTime(rides, func(ride store.Ride, t time.Time) {
		if int64(t.Year()) == year && int64(t.Month()) == month {
			summary.Rides = append(summary.Rides, ride)
			summary.TotalDistance += ride.Distance
		}
	})

	writeJSON(w, http.StatusOK, summary)
}

func (h *rideHandlers) update(w http.ResponseWriter, r *http.Request, p Params) {
	in, err := decodeRide(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ride := store.Ride{
		ID:          p.RideID("id"),
		BikeID:      p.Int("bikeId"),
		Date:        in.Date,
		Distance:    in.Distance,
		Description: in.Description,
		StravaRide:  in.StravaRide,
	}
	if _, err := h.rides.UpdateRide(r.Context(), ride); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ride not found")
			return
		}
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ride)
}

func (h *rideHandlers) remove(w http.ResponseWriter, r *http.Request, p Params) {
	if _, err := h.rides.DeleteRide(r.Context(), p.Int("bikeId"), p.RideID("id")); err != nil {
		internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

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
