package rides

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/erauner12/ridesync/internal/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestDB returns a migrated, empty test database
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		DELETE FROM ride;
		DELETE FROM bike;
		DELETE FROM app_user;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}
	return pool
}

func ptr[T any](v T) *T { return &v }

func newBike(t *testing.T, svc *Service, sub string) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	uid, err := svc.EnsureUser(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	b, err := svc.CreateBike(ctx, uid, "gravel", nil)
	if err != nil {
		t.Fatalf("CreateBike: %v", err)
	}
	return uid, b.ID
}

func TestEnsureUser_Idempotent(t *testing.T) {
	svc := NewService(getTestDB(t))
	ctx := context.Background()

	a, err := svc.EnsureUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	b, err := svc.EnsureUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if a != b {
		t.Errorf("expected same id, got %d and %d", a, b)
	}
}

func TestAssertOwner(t *testing.T) {
	svc := NewService(getTestDB(t))
	ctx := context.Background()

	owner, bike := newBike(t, svc, "owner")
	other, _ := newBike(t, svc, "other")

	if err := svc.AssertOwner(ctx, bike, owner); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := svc.AssertOwner(ctx, bike, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := svc.AssertOwner(ctx, bike+1000, owner); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRideLifecycle(t *testing.T) {
	svc := NewService(getTestDB(t))
	ctx := context.Background()
	_, bike := newBike(t, svc, "rider")

	created, err := svc.CreateRide(ctx, bike, RidePartial{Date: "2024-03-05", Distance: 21.5, Description: ptr("loop")})
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("expected positive id, got %d", created.ID)
	}

	got, err := svc.GetRide(ctx, bike, created.ID)
	if err != nil {
		t.Fatalf("GetRide: %v", err)
	}
	if got.Date != "2024-03-05" || got.Distance != 21.5 || got.Description == nil || *got.Description != "loop" {
		t.Errorf("unexpected ride: %+v", got)
	}

	if _, err := svc.UpdateRide(ctx, bike, created.ID, RidePartial{Date: "2024-03-06", Distance: 30, StravaRide: ptr(int64(99))}); err != nil {
		t.Fatalf("UpdateRide: %v", err)
	}
	got, _ = svc.GetRide(ctx, bike, created.ID)
	if got.Date != "2024-03-06" || got.Distance != 30 || got.StravaRide == nil || *got.StravaRide != 99 {
		t.Errorf("update not applied: %+v", got)
	}

	if err := svc.DeleteRide(ctx, bike, created.ID); err != nil {
		t.Fatalf("DeleteRide: %v", err)
	}
	if err := svc.DeleteRide(ctx, bike, created.ID); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
	if _, err := svc.GetRide(ctx, bike, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := svc.UpdateRide(ctx, bike, created.ID, RidePartial{Date: "2024-03-06", Distance: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating deleted ride, got %v", err)
	}

	rides, err := svc.ListRides(ctx, bike)
	if err != nil {
		t.Fatalf("ListRides: %v", err)
	}
	if len(rides) != 0 {
		t.Errorf("expected no live rides, got %d", len(rides))
	}
}

func TestYearsAndMonth(t *testing.T) {
	svc := NewService(getTestDB(t))
	ctx := context.Background()
	_, bike := newBike(t, svc, "rider")

	for _, p := range []RidePartial{
		{Date: "2023-12-31", Distance: 5},
		{Date: "2024-02-01", Distance: 10},
		{Date: "2024-02-29", Distance: 12.5},
		{Date: "2024-03-01", Distance: 7},
	} {
		if _, err := svc.CreateRide(ctx, bike, p); err != nil {
			t.Fatalf("CreateRide: %v", err)
		}
	}

	years, err := svc.ActiveYears(ctx, bike)
	if err != nil {
		t.Fatalf("ActiveYears: %v", err)
	}
	if len(years) != 2 || years[0] != 2023 || years[1] != 2024 {
		t.Errorf("unexpected years: %v", years)
	}

	m, err := svc.MonthRides(ctx, bike, 2024, 2)
	if err != nil {
		t.Fatalf("MonthRides: %v", err)
	}
	if len(m.Rides) != 2 || m.TotalDistance != 22.5 {
		t.Errorf("unexpected month: %+v", m)
	}
	if m.Rides[0].Date != "2024-02-29" {
		t.Errorf("expected newest first, got %s", m.Rides[0].Date)
	}
}

func TestRidePartialValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      RidePartial
		wantErr bool
	}{
		{"valid", RidePartial{Date: "2024-01-02", Distance: 1}, false},
		{"bad date", RidePartial{Date: "02/01/2024", Distance: 1}, true},
		{"zero distance", RidePartial{Date: "2024-01-02", Distance: 0}, true},
		{"negative distance", RidePartial{Date: "2024-01-02", Distance: -3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
