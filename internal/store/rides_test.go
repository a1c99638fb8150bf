package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rides.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestAddRide_MintsLocalIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-05-01", Distance: 12.5})
	require.NoError(t, err)
	second, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-05-02", Distance: 3})
	require.NoError(t, err)

	assert.True(t, first.IsLocal())
	assert.True(t, second.IsLocal())
	assert.NotEqual(t, first, second)

	// cleared ids are never handed out again
	require.NoError(t, s.ClearRide(ctx, second))
	third, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-05-03", Distance: 4})
	require.NoError(t, err)
	assert.Greater(t, third.N, second.N)

	rides, err := s.GetAllRides(ctx)
	require.NoError(t, err)
	for _, r := range rides {
		wire, err := r.ID.Wire()
		require.NoError(t, err)
		assert.Less(t, wire, int64(0), "offline-created ride must carry a local id")
		assert.False(t, r.ID.IsRemote())
	}
}

func TestGetRides_FiltersByBikeAndTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keep, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-01-01", Distance: 10, Description: strPtr("loop")})
	require.NoError(t, err)
	gone, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-01-02", Distance: 20})
	require.NoError(t, err)
	_, err = s.AddRide(ctx, Ride{BikeID: 2, Date: "2024-01-03", Distance: 30})
	require.NoError(t, err)

	foreign, err := s.DeleteRide(ctx, 1, gone)
	require.NoError(t, err)
	assert.False(t, foreign)

	rides, err := s.GetRides(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, keep, rides[0].ID)
	require.NotNil(t, rides[0].Description)
	assert.Equal(t, "loop", *rides[0].Description)

	// the tombstoned row is still stored until sync clears it
	tomb, err := s.GetRide(ctx, gone)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted())
}

func TestDeleteRide_ForeignRemoteSynthesizesTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	foreign, err := s.DeleteRide(ctx, 7, RemoteID(99))
	require.NoError(t, err)
	assert.True(t, foreign)

	r, err := s.GetRide(ctx, RemoteID(99))
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.BikeID)
	assert.Equal(t, "", r.Date)
	assert.Equal(t, float64(-1), r.Distance)
	assert.True(t, r.Deleted())

	rides, err := s.GetRides(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, rides)
}

func TestDeleteRide_MissingLocalIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	foreign, err := s.DeleteRide(ctx, 1, LocalID(5))
	require.NoError(t, err)
	assert.False(t, foreign)

	all, err := s.GetAllRides(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateRide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("foreign remote ride is upserted", func(t *testing.T) {
		foreign, err := s.UpdateRide(ctx, Ride{ID: RemoteID(10), BikeID: 3, Date: "2023-07-04", Distance: 42})
		require.NoError(t, err)
		assert.True(t, foreign)

		foreign, err = s.UpdateRide(ctx, Ride{ID: RemoteID(10), BikeID: 3, Date: "2023-07-04", Distance: 43})
		require.NoError(t, err)
		assert.False(t, foreign)

		r, err := s.GetRide(ctx, RemoteID(10))
		require.NoError(t, err)
		assert.Equal(t, float64(43), r.Distance)
	})

	t.Run("unknown local ride is not found", func(t *testing.T) {
		_, err := s.UpdateRide(ctx, Ride{ID: LocalID(1234), BikeID: 3, Date: "2023-07-04", Distance: 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("existing local ride keeps its id", func(t *testing.T) {
		id, err := s.AddRide(ctx, Ride{BikeID: 3, Date: "2023-07-05", Distance: 5})
		require.NoError(t, err)

		_, err = s.UpdateRide(ctx, Ride{ID: id, BikeID: 3, Date: "2023-07-06", Distance: 6})
		require.NoError(t, err)

		r, err := s.GetRide(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "2023-07-06", r.Date)
		assert.True(t, r.ID.IsLocal())
	})
}

func TestRecordFailure_DeadLettersAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-02-02", Distance: 8})
	require.NoError(t, err)

	// uncounted failures never dead-letter
	for i := 0; i < 5; i++ {
		dead, err := s.RecordFailure(ctx, id, "connection refused", false, 2)
		require.NoError(t, err)
		assert.False(t, dead)
	}

	dead, err := s.RecordFailure(ctx, id, "400 Bad Request", true, 2)
	require.NoError(t, err)
	assert.False(t, dead)

	dead, err = s.RecordFailure(ctx, id, "400 Bad Request", true, 2)
	require.NoError(t, err)
	assert.True(t, dead)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	letters, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Ride.ID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "400 Bad Request", letters[0].LastError)

	// still visible to the foreground
	rides, err := s.GetRides(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rides, 1)

	n, err := s.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResolveReplay(t *testing.T) {
	t.Run("unchanged row is cleared", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		_, err := s.UpdateRide(ctx, Ride{ID: RemoteID(7), BikeID: 1, Date: "2024-01-01", Distance: 10})
		require.NoError(t, err)
		loaded, err := s.GetRide(ctx, RemoteID(7))
		require.NoError(t, err)

		cleared, err := s.ResolveReplay(ctx, loaded.ID, loaded.Version, RideID{})
		require.NoError(t, err)
		assert.True(t, cleared)

		_, err = s.GetRide(ctx, RemoteID(7))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("edited row stays pending", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		_, err := s.UpdateRide(ctx, Ride{ID: RemoteID(7), BikeID: 1, Date: "2024-01-01", Distance: 10})
		require.NoError(t, err)
		loaded, err := s.GetRide(ctx, RemoteID(7))
		require.NoError(t, err)

		_, err = s.UpdateRide(ctx, Ride{ID: RemoteID(7), BikeID: 1, Date: "2024-01-01", Distance: 99})
		require.NoError(t, err)

		cleared, err := s.ResolveReplay(ctx, loaded.ID, loaded.Version, RideID{})
		require.NoError(t, err)
		assert.False(t, cleared)

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 99.0, pending[0].Distance)
		assert.Greater(t, pending[0].Version, loaded.Version)
	})

	t.Run("deleted row stays pending", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		_, err := s.UpdateRide(ctx, Ride{ID: RemoteID(8), BikeID: 1, Date: "2024-01-01", Distance: 10})
		require.NoError(t, err)
		loaded, err := s.GetRide(ctx, RemoteID(8))
		require.NoError(t, err)

		_, err = s.DeleteRide(ctx, 1, RemoteID(8))
		require.NoError(t, err)

		cleared, err := s.ResolveReplay(ctx, loaded.ID, loaded.Version, RideID{})
		require.NoError(t, err)
		assert.False(t, cleared)

		got, err := s.GetRide(ctx, RemoteID(8))
		require.NoError(t, err)
		assert.True(t, got.Deleted())
	})

	t.Run("local row edited during create moves to server id", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		id, err := s.AddRide(ctx, Ride{BikeID: 1, Date: "2024-01-01", Distance: 10})
		require.NoError(t, err)
		loaded, err := s.GetRide(ctx, id)
		require.NoError(t, err)

		_, err = s.UpdateRide(ctx, Ride{ID: id, BikeID: 1, Date: "2024-01-01", Distance: 11})
		require.NoError(t, err)

		cleared, err := s.ResolveReplay(ctx, id, loaded.Version, RemoteID(501))
		require.NoError(t, err)
		assert.False(t, cleared)

		_, err = s.GetRide(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		moved, err := s.GetRide(ctx, RemoteID(501))
		require.NoError(t, err)
		assert.Equal(t, 11.0, moved.Distance)

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, RemoteID(501), pending[0].ID)
	})
}

func TestCache_PutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CacheGet(ctx, "/api/bikes")
	require.ErrorIs(t, err, ErrNotFound)

	err = s.CachePut(ctx, "/api/bikes", &CachedResponse{
		Status: 200,
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   []byte(`[{"id":1}]`),
	})
	require.NoError(t, err)

	got, err := s.CacheGet(ctx, "/api/bikes")
	require.NoError(t, err)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.JSONEq(t, `[{"id":1}]`, string(got.Body))
	assert.False(t, got.StoredAt.IsZero())

	require.NoError(t, s.CacheDelete(ctx, "/api/bikes"))
	_, err = s.CacheGet(ctx, "/api/bikes")
	require.ErrorIs(t, err, ErrNotFound)
}
