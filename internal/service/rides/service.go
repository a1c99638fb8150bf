// Package rides is the PostgreSQL-backed rides service of the reference
// backend.
package rides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DateLayout is the wire format of ride dates
const DateLayout = "2006-01-02"

var (
	// ErrNotFound indicates a missing (or deleted) ride or bike
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a bike owned by another user
	ErrForbidden = errors.New("bike belongs to another user")
)

// Ride is a ride as served by the API
type Ride struct {
	ID          int64      `json:"id"`
	BikeID      int64      `json:"bikeId"`
	Date        string     `json:"date"`
	Distance    float64    `json:"distance"`
	Description *string    `json:"description"`
	StravaRide  *int64     `json:"stravaRide"`
	DeletedAt   *time.Time `json:"deletedAt"`
}

// RidePartial is the client-writable part of a ride
type RidePartial struct {
	Date        string  `json:"date"`
	Distance    float64 `json:"distance"`
	Description *string `json:"description"`
	StravaRide  *int64  `json:"stravaRide"`
}

// Validate checks the date format and distance
func (p RidePartial) Validate() error {
	if _, err := time.Parse(DateLayout, p.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD")
	}
	if p.Distance <= 0 {
		return fmt.Errorf("distance must be greater than zero")
	}
	return nil
}

// Bike is a bike owned by a user
type Bike struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// Month groups the rides of one calendar month
type Month struct {
	Year          int     `json:"year"`
	Month         int     `json:"month"`
	TotalDistance float64 `json:"totalDistance"`
	Rides         []Ride  `json:"rides"`
}

// Service encapsulates the rides queries
type Service struct {
	DB *pgxpool.Pool
}

// NewService creates a new Service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{DB: db}
}

// EnsureUser upserts a user by subject and returns its id
func (s *Service) EnsureUser(ctx context.Context, sub string) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO app_user (sub) VALUES ($1)
		ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
		RETURNING id`, sub).Scan(&id)
	return id, err
}

// ListBikes returns the bikes of a user
func (s *Service) ListBikes(ctx context.Context, userID int64) ([]Bike, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, name, description FROM bike WHERE owner_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Bike])
}

// CreateBike adds a bike for a user
func (s *Service) CreateBike(ctx context.Context, userID int64, name string, description *string) (Bike, error) {
	b := Bike{Name: name, Description: description}
	err := s.DB.QueryRow(ctx,
		`INSERT INTO bike (owner_id, name, description) VALUES ($1, $2, $3) RETURNING id`,
		userID, name, description).Scan(&b.ID)
	return b, err
}

// AssertOwner checks that bikeID exists and belongs to userID
func (s *Service) AssertOwner(ctx context.Context, bikeID, userID int64) error {
	var owner int64
	err := s.DB.QueryRow(ctx, `SELECT owner_id FROM bike WHERE id = $1`, bikeID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	return nil
}

const rideColumns = `id, bike_id, to_char(date, 'YYYY-MM-DD'), distance, description, strava_ride, deleted_at`

func (s *Service) queryRides(ctx context.Context, sql string, args ...any) ([]Ride, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Ride])
}

// ListRides returns the live rides of a bike, newest first
func (s *Service) ListRides(ctx context.Context, bikeID int64) ([]Ride, error) {
	return s.queryRides(ctx, `
		SELECT `+rideColumns+` FROM ride
		WHERE bike_id = $1 AND deleted_at IS NULL
		ORDER BY date DESC, id DESC`, bikeID)
}

// GetRide returns one live ride of a bike
func (s *Service) GetRide(ctx context.Context, bikeID, rideID int64) (Ride, error) {
	rides, err := s.queryRides(ctx, `
		SELECT `+rideColumns+` FROM ride
		WHERE id = $1 AND bike_id = $2 AND deleted_at IS NULL`, rideID, bikeID)
	if err != nil {
		return Ride{}, err
	}
	if len(rides) == 0 {
		return Ride{}, ErrNotFound
	}
	return rides[0], nil
}

// CreateRide inserts a ride
func (s *Service) CreateRide(ctx context.Context, bikeID int64, p RidePartial) (Ride, error) {
	r := Ride{BikeID: bikeID, Date: p.Date, Distance: p.Distance, Description: p.Description, StravaRide: p.StravaRide}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO ride (bike_id, date, distance, description, strava_ride)
		VALUES ($1, $2::date, $3, $4, $5)
		RETURNING id`,
		bikeID, p.Date, p.Distance, p.Description, p.StravaRide).Scan(&r.ID)
	if err != nil {
		return Ride{}, err
	}
	log.Ctx(ctx).Info().Int64("rideId", r.ID).Int64("bikeId", bikeID).Msg("ride created")
	return r, nil
}

// UpdateRide replaces the writable fields of a live ride
func (s *Service) UpdateRide(ctx context.Context, bikeID, rideID int64, p RidePartial) (Ride, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE ride SET date = $3::date, distance = $4, description = $5, strava_ride = $6
		WHERE id = $1 AND bike_id = $2 AND deleted_at IS NULL`,
		rideID, bikeID, p.Date, p.Distance, p.Description, p.StravaRide)
	if err != nil {
		return Ride{}, err
	}
	if tag.RowsAffected() == 0 {
		return Ride{}, ErrNotFound
	}
	return Ride{ID: rideID, BikeID: bikeID, Date: p.Date, Distance: p.Distance, Description: p.Description, StravaRide: p.StravaRide}, nil
}

// DeleteRide soft-deletes a ride. Deleting an already deleted ride
// succeeds, so a replayed delete is harmless.
func (s *Service) DeleteRide(ctx context.Context, bikeID, rideID int64) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE ride SET deleted_at = COALESCE(deleted_at, now())
		WHERE id = $1 AND bike_id = $2`, rideID, bikeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveYears returns the distinct years with live rides in ascending order
func (s *Service) ActiveYears(ctx context.Context, bikeID int64) ([]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT EXTRACT(YEAR FROM date)::int AS year FROM ride
		WHERE bike_id = $1 AND deleted_at IS NULL
		ORDER BY year`, bikeID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// MonthRides returns the live rides of one month with their total distance
func (s *Service) MonthRides(ctx context.Context, bikeID int64, year, month int) (Month, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rides, err := s.queryRides(ctx, `
		SELECT `+rideColumns+` FROM ride
		WHERE bike_id = $1 AND deleted_at IS NULL AND date >= $2 AND date < $3
		ORDER BY date DESC, id DESC`, bikeID, from, to)
	if err != nil {
		return Month{}, err
	}

	m := Month{Year: year, Month: month, Rides: rides}
	for _, r := range rides {
		m.TotalDistance += r.Distance
	}
	return m, nil
}
