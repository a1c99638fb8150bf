package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Ride is a ride record as exposed by the rides API
type Ride struct {
	ID          RideID     `json:"id"`
	BikeID      int64      `json:"bikeId"`
	Date        string     `json:"date"`
	Distance    float64    `json:"distance"`
	Description *string    `json:"description"`
	StravaRide  *int64     `json:"stravaRide"`
	DeletedAt   *time.Time `json:"deletedAt"`

	// Version is bumped by every local mutation of the row
	Version int64 `json:"-"`
}

// Deleted reports whether the ride carries a tombstone
func (r Ride) Deleted() bool {
	return r.DeletedAt != nil
}

// DeadLetter is a ride whose replay was given up on
type DeadLetter struct {
	Ride      Ride      `json:"ride"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	DeadAt    time.Time `json:"deadAt"`
}

const rideColumns = `origin, num, bike_id, date, distance, description, strava_ride, deleted_at`

const selectColumns = rideColumns + `, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner, extra ...any) (Ride, error) {
	var (
		r           Ride
		origin      string
		num         int64
		description sql.NullString
		strava      sql.NullInt64
		deletedAt   sql.NullString
	)
	dest := append([]any{&origin, &num, &r.BikeID, &r.Date, &r.Distance, &description, &strava, &deletedAt, &r.Version}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Ride{}, err
	}

	o, err := parseOrigin(origin)
	if err != nil {
		return Ride{}, err
	}
	r.ID = RideID{Origin: o, N: uint64(num)}

	if description.Valid {
		r.Description = &description.String
	}
	if strava.Valid {
		r.StravaRide = &strava.Int64
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return Ride{}, fmt.Errorf("parse deleted_at: %w", err)
		}
		r.DeletedAt = &t
	}
	return r, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) queryRides(ctx context.Context, query string, args ...any) ([]Ride, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rides := make([]Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

// GetAllRides returns every stored ride, tombstones included
func (s *Store) GetAllRides(ctx context.Context) ([]Ride, error) {
	return s.queryRides(ctx, `SELECT `+selectColumns+` FROM rides ORDER BY origin, num`)
}

// GetRides returns the live (not tombstoned) rides of a bike
func (s *Store) GetRides(ctx context.Context, bikeID int64) ([]Ride, error) {
	return s.queryRides(ctx, `
		SELECT `+selectColumns+` FROM rides
		WHERE bike_id = ? AND deleted_at IS NULL
		ORDER BY date, origin, num`, bikeID)
}

// GetRide returns a single ride by id
func (s *Store) GetRide(ctx context.Context, id RideID) (Ride, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM rides WHERE origin = ? AND num = ?`,
		id.Origin.String(), int64(id.N))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ride{}, ErrNotFound
	}
	return r, err
}

// AddRide stores a new ride under a freshly minted local id. Local ids are
// never reused, even after the ride was cleared.
func (s *Store) AddRide(ctx context.Context, ride Ride) (RideID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RideID{}, err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE id_sequence SET value = value + 1 WHERE name = 'rides' RETURNING value`,
	).Scan(&next); err != nil {
		return RideID{}, fmt.Errorf("mint local id: %w", err)
	}

	id := LocalID(uint64(next))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.Origin.String(), next, ride.BikeID, ride.Date, ride.Distance,
		ride.Description, ride.StravaRide, formatTime(ride.DeletedAt),
	); err != nil {
		return RideID{}, fmt.Errorf("insert ride: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RideID{}, err
	}
	return id, nil
}

// UpdateRide upserts ride by its id. A remote id with no local row is
// accepted and reported as foreign. A local id with no local row is
// ErrNotFound. Any failed replay attempts are reset.
func (s *Store) UpdateRide(ctx context.Context, ride Ride) (foreign bool, err error) {
	if ride.ID.IsZero() {
		return false, errInvalidRideID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	origin, num := ride.ID.Origin.String(), int64(ride.ID.N)

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM rides WHERE origin = ? AND num = ?`, origin, num).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if ride.ID.IsLocal() {
			return false, ErrNotFound
		}
		foreign = true
	case err != nil:
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (origin, num) DO UPDATE SET
			bike_id     = excluded.bike_id,
			date        = excluded.date,
			distance    = excluded.distance,
			description = excluded.description,
			strava_ride = excluded.strava_ride,
			deleted_at  = excluded.deleted_at,
			attempts    = 0,
			last_error  = NULL,
			dead_at     = NULL,
			version     = rides.version + 1`,
		origin, num, ride.BikeID, ride.Date, ride.Distance,
		ride.Description, ride.StravaRide, formatTime(ride.DeletedAt),
	); err != nil {
		return false, fmt.Errorf("upsert ride: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	if foreign {
		log.Ctx(ctx).Warn().Str("rideId", ride.ID.String()).Msg("updated foreign ride")
	}
	return foreign, nil
}

// ClearRide physically removes a ride
func (s *Store) ClearRide(ctx context.Context, id RideID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rides WHERE origin = ? AND num = ?`, id.Origin.String(), int64(id.N))
	return err
}

// ResolveReplay settles a ride whose replay the remote accepted. The row is
// removed if it still carries version and cleared reports true. A row that
// changed meanwhile stays pending; a local one is moved to serverID (when
// known) so the next pass updates the created ride instead of posting it
// again.
func (s *Store) ResolveReplay(ctx context.Context, id RideID, version int64, serverID RideID) (cleared bool, err error) {
	origin, num := id.Origin.String(), int64(id.N)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM rides WHERE origin = ? AND num = ? AND version = ?`, origin, num, version)
	if err != nil {
		return false, fmt.Errorf("clear ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, tx.Commit()
	}

	if id.IsLocal() && serverID.IsRemote() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE OR REPLACE rides
			SET origin = ?, num = ?, attempts = 0, last_error = NULL, dead_at = NULL
			WHERE origin = ? AND num = ?`,
			serverID.Origin.String(), int64(serverID.N), origin, num,
		); err != nil {
			return false, fmt.Errorf("rekey ride: %w", err)
		}
		log.Ctx(ctx).Info().Str("rideId", id.String()).Str("serverId", serverID.String()).
			Msg("ride changed during replay, moved to server id")
	}

	return false, tx.Commit()
}

// DeleteRide tombstones a ride. Rows present locally are marked in place. A
// remote id with no local row gets a minimal tombstone row so the delete can
// be replayed later; that case is reported as foreign. A local id with no
// row is a no-op.
func (s *Store) DeleteRide(ctx context.Context, bikeID int64, id RideID) (foreign bool, err error) {
	now := time.Now()
	origin, num := id.Origin.String(), int64(id.N)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET deleted_at = ?, attempts = 0, last_error = NULL, dead_at = NULL,
			version = version + 1
		WHERE origin = ? AND num = ?`, formatTime(&now), origin, num)
	if err != nil {
		return false, fmt.Errorf("tombstone ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n == 0 && id.IsRemote() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rides (`+rideColumns+`)
			VALUES (?, ?, ?, '', -1, '', NULL, ?)`,
			origin, num, bikeID, formatTime(&now),
		); err != nil {
			return false, fmt.Errorf("insert foreign tombstone: %w", err)
		}
		foreign = true
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	if foreign {
		log.Ctx(ctx).Warn().Str("rideId", id.String()).Int64("bikeId", bikeID).Msg("deleted foreign ride")
	}
	return foreign, nil
}

// Pending returns rides waiting to be replayed; dead letters are excluded
func (s *Store) Pending(ctx context.Context) ([]Ride, error) {
	return s.queryRides(ctx, `
		SELECT `+selectColumns+` FROM rides
		WHERE dead_at IS NULL
		ORDER BY origin, num`)
}

// RecordFailure stores the reason of a failed replay. When counted is true
// the attempt counts towards maxAttempts; reaching it dead-letters the ride.
// A maxAttempts of zero or less never dead-letters.
func (s *Store) RecordFailure(ctx context.Context, id RideID, reason string, counted bool, maxAttempts int) (deadLettered bool, err error) {
	origin, num := id.Origin.String(), int64(id.N)

	inc := 0
	if counted {
		inc = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET attempts = attempts + ?, last_error = ?
		WHERE origin = ? AND num = ?`, inc, reason, origin, num); err != nil {
		return false, err
	}

	if counted && maxAttempts > 0 {
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE rides SET dead_at = ?
			WHERE origin = ? AND num = ? AND dead_at IS NULL AND attempts >= ?`,
			formatTime(&now), origin, num, maxAttempts)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		deadLettered = n > 0
	}

	return deadLettered, tx.Commit()
}

// DeadLetters lists rides that exhausted their replay attempts
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`, attempts, last_error, dead_at FROM rides
		WHERE dead_at IS NOT NULL
		ORDER BY dead_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := make([]DeadLetter, 0)
	for rows.Next() {
		var (
			dl        DeadLetter
			lastError sql.NullString
			deadAt    string
		)
		dl.Ride, err = scanRide(rows, &dl.Attempts, &lastError, &deadAt)
		if err != nil {
			return nil, err
		}
		dl.LastError = lastError.String
		if dl.DeadAt, err = time.Parse(time.RFC3339Nano, deadAt); err != nil {
			return nil, fmt.Errorf("parse dead_at: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// Requeue returns every dead letter to the pending set
func (s *Store) Requeue(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rides SET attempts = 0, last_error = NULL, dead_at = NULL
		WHERE dead_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
