package calls

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/ridesync/internal/hosts"
	"github.com/erauner12/ridesync/internal/rpc"
	"github.com/erauner12/ridesync/internal/store"
	"github.com/erauner12/ridesync/internal/syncer"
)

type fakeHosts struct {
	mu      sync.Mutex
	online  bool
	handler http.HandlerFunc
	auth    []string
}

func (f *fakeHosts) SelectHost(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeHosts) TestHosts(context.Context) ([]hosts.HostStatus, error) {
	return []hosts.HostStatus{
		{Host: "https://a.example.com", Available: false},
		{Host: "https://b.example.com", Available: true},
	}, nil
}

func (f *fakeHosts) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, req.Header.Get("Authorization"))
	if !f.online {
		return nil, nil
	}
	rec := httptest.NewRecorder()
	f.handler(rec, req)
	return rec.Result(), nil
}

type fakeSyncer struct {
	token string
}

func (f *fakeSyncer) Sync(ctx context.Context, token string, report func(syncer.Report)) bool {
	f.token = token
	report(syncer.Report{Type: syncer.ReportStarted, Category: syncer.Category, ItemCount: 2})
	report(syncer.Report{Type: syncer.ReportFailed, Category: syncer.Category, ItemCount: 2, Succeeded: 1, Failed: 1})
	return false
}

type fixture struct {
	hosts  *fakeHosts
	syncer *fakeSyncer
	store  *store.Store
	caller *rpc.Caller
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)

	f := &fixture{
		hosts: &fakeHosts{
			online: true,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
			},
		},
		syncer: &fakeSyncer{},
		store:  st,
	}

	router := rpc.NewRouter()
	New(Deps{
		Version:   "1.2.3",
		Hosts:     f.hosts,
		Syncer:    f.syncer,
		Store:     st,
		Resources: []string{"/", "/index.html"},
	}).Register(router)

	client, server := rpc.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		router.Serve(ctx, server)
	}()
	f.caller = rpc.NewCaller(client, 2*time.Second)

	t.Cleanup(func() {
		f.caller.Close()
		cancel()
		<-done
		st.Close()
	})
	return f
}

func TestStatusVersionCheckHosts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var status StatusResult
	require.NoError(t, f.caller.Call(ctx, VariantStatus, struct{}{}, &status))
	assert.True(t, status.IsOnline)

	var version VersionResult
	require.NoError(t, f.caller.Call(ctx, VariantVersion, struct{}{}, &version))
	assert.Equal(t, "1.2.3", version.Version)

	var results []hosts.HostStatus
	require.NoError(t, f.caller.Call(ctx, VariantCheckHosts, struct{}{}, &results))
	require.Len(t, results, 2)
	assert.True(t, results[1].Available)
}

func TestSyncStreamsReports(t *testing.T) {
	f := setup(t)

	var items []syncer.Report
	ok, err := f.caller.Stream(context.Background(), VariantSync, SyncPayload{Token: "abc"}, func(raw json.RawMessage) error {
		var r syncer.Report
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		items = append(items, r)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok, "a failed pass resolves with done=false")
	require.Len(t, items, 2)
	assert.Equal(t, syncer.ReportStarted, items[0].Type)
	assert.Equal(t, 1, items[1].Failed)
	assert.Equal(t, "abc", f.syncer.token)
}

func TestSyncRejectsBadPayload(t *testing.T) {
	f := setup(t)

	_, err := f.caller.Stream(context.Background(), VariantSync, []int{1}, func(json.RawMessage) error { return nil })
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, string(rpc.ErrCodeInvalidPayload))
}

func TestAuthInit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "rider-1"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	require.NoError(t, f.caller.Call(ctx, VariantAuthInit, SyncPayload{Token: token}, nil))
	f.hosts.mu.Lock()
	lastAuth := f.hosts.auth[len(f.hosts.auth)-1]
	f.hosts.mu.Unlock()
	assert.Equal(t, "Bearer "+token, lastAuth)

	cached, err := f.store.CacheGet(ctx, "/api/bikes")
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/api/bikes"}`, string(cached.Body))

	require.NoError(t, f.caller.Call(ctx, VariantAuthInit, SyncPayload{}, nil))
	_, err = f.store.CacheGet(ctx, "/api/bikes")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthInitRejected(t *testing.T) {
	f := setup(t)
	f.hosts.mu.Lock()
	f.hosts.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	f.hosts.mu.Unlock()

	err := f.caller.Call(context.Background(), VariantAuthInit, SyncPayload{Token: "not-a-jwt"}, nil)
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "401")
	assert.False(t, errors.Is(err, rpc.ErrTimeout))
}

func TestUpdate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.caller.Call(ctx, VariantUpdate, struct{}{}, nil))
	for _, path := range []string{"/", "/index.html"} {
		_, err := f.store.CacheGet(ctx, path)
		assert.NoError(t, err, path)
	}

	f.hosts.mu.Lock()
	f.hosts.online = false
	f.hosts.mu.Unlock()

	err := f.caller.Call(ctx, VariantUpdate, struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), string(rpc.ErrCodeUnavailable)), err.Error())
}

func TestDeadLettersAndRequeue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.store.AddRide(ctx, store.Ride{BikeID: 3, Date: "2024-03-03", Distance: 3})
	require.NoError(t, err)
	dead, err := f.store.RecordFailure(ctx, id, "422 Unprocessable Entity", true, 1)
	require.NoError(t, err)
	require.True(t, dead)

	var letters []store.DeadLetter
	require.NoError(t, f.caller.Call(ctx, VariantDeadLetters, struct{}{}, &letters))
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Ride.ID)

	var requeued RequeueResult
	require.NoError(t, f.caller.Call(ctx, VariantRequeue, struct{}{}, &requeued))
	assert.Equal(t, 1, requeued.Requeued)

	pending, err := f.store.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUnknownVariant(t *testing.T) {
	f := setup(t)
	err := f.caller.Call(context.Background(), "reboot", struct{}{}, nil)
	assert.True(t, rpc.IsUnhandled(err))
}

func TestTokenSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "auth0|42"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "auth0|42", tokenSubject(token))
	assert.Empty(t, tokenSubject("opaque-token"))
}

func TestSyncFallsBackToAuthInitToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.caller.Call(ctx, VariantAuthInit, SyncPayload{Token: "remembered"}, nil))

	_, err := f.caller.Stream(ctx, VariantSync, struct{}{}, func(json.RawMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "remembered", f.syncer.token)
}
