// Package syncer replays locally recorded ride mutations against the
// remote host once it is reachable again.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/ridesync/internal/hosts"
	"github.com/erauner12/ridesync/internal/lock"
	"github.com/erauner12/ridesync/internal/metrics"
	"github.com/erauner12/ridesync/internal/store"
)

// Category is the report category of ride replays
const Category = "rides"

// Report types
const (
	ReportStarted   = "started"
	ReportCompleted = "completed"
	ReportFailed    = "failed"
)

const (
	DefaultConcurrency = 4
	DefaultMaxAttempts = 5
)

// errOffline marks a replay that could not reach any host
var errOffline = errors.New("no host reachable")

// Report is a progress notification of a sync pass
type Report struct {
	Type      string `json:"type"`
	Category  string `json:"category"`
	ItemCount int    `json:"itemCount"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Store is the part of the local store the reconciler uses
type Store interface {
	Pending(ctx context.Context) ([]store.Ride, error)
	ResolveReplay(ctx context.Context, id store.RideID, version int64, serverID store.RideID) (bool, error)
	RecordFailure(ctx context.Context, id store.RideID, reason string, counted bool, maxAttempts int) (bool, error)
}

// Remote selects and talks to the remote host
type Remote interface {
	SelectHost(ctx context.Context) bool
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Options tunes a Reconciler
type Options struct {
	// APIPrefix is prepended to replay paths; defaults to /api
	APIPrefix string
	// Concurrency bounds the replays in flight
	Concurrency int
	// MaxAttempts is the number of counted failures after which a ride is
	// dead-lettered; zero or less never dead-letters
	MaxAttempts int
}

// Reconciler runs sync passes, at most one at a time
type Reconciler struct {
	store  Store
	remote Remote
	mu     *lock.Mutex
	opts   Options
}

// New creates a Reconciler
func New(st Store, remote Remote, opts Options) *Reconciler {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api"
	}
	opts.APIPrefix = strings.TrimSuffix(opts.APIPrefix, "/")
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Reconciler{
		store:  st,
		remote: remote,
		mu:     lock.New(),
		opts:   opts,
	}
}

// Running reports whether a pass is in progress
func (r *Reconciler) Running() bool {
	return r.mu.Locked()
}

// Sync runs one pass. A call made while another pass runs returns true at
// once without reporting. Being offline or having nothing to replay also
// returns true silently. Otherwise report receives a started report and
// then either completed or failed; the result is false if any ride failed.
func (r *Reconciler) Sync(ctx context.Context, token string, report func(Report)) bool {
	if report == nil {
		report = func(Report) {}
	}

	ok := true
	ran, _ := r.mu.TryRun(ctx, func(ctx context.Context) error {
		ok = r.pass(ctx, token, report)
		return nil
	})
	if !ran {
		log.Ctx(ctx).Debug().Msg("sync already running, skipping")
		metrics.RecordSyncPass("skipped")
	}
	return ok
}

func (r *Reconciler) pass(ctx context.Context, token string, report func(Report)) bool {
	logger := log.Ctx(ctx)

	if !r.remote.SelectHost(ctx) {
		logger.Debug().Msg("sync: offline")
		metrics.RecordSyncPass("offline")
		return true
	}

	rides, err := r.store.Pending(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("sync: failed to load pending rides")
		metrics.RecordSyncPass("error")
		return false
	}
	if len(rides) == 0 {
		metrics.RecordSyncPass("idle")
		return true
	}

	total := len(rides)
	logger.Info().Int("count", total).Msg("sync: replaying rides")
	report(Report{Type: ReportStarted, Category: Category, ItemCount: total})

	var succeeded, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for _, ride := range rides {
		g.Go(func() error {
			if err := r.replay(ctx, token, ride); err != nil {
				failed.Add(1)
				r.recordFailure(ctx, ride, err)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordSyncItems("succeeded", int(succeeded.Load()))
	metrics.RecordSyncItems("failed", int(failed.Load()))

	if n := int(failed.Load()); n > 0 {
		logger.Warn().Int("succeeded", int(succeeded.Load())).Int("failed", n).Msg("sync: pass failed")
		metrics.RecordSyncPass(ReportFailed)
		report(Report{
			Type:      ReportFailed,
			Category:  Category,
			ItemCount: total,
			Succeeded: int(succeeded.Load()),
			Failed:    n,
		})
		return false
	}

	logger.Info().Int("count", total).Msg("sync: pass completed")
	metrics.RecordSyncPass(ReportCompleted)
	report(Report{Type: ReportCompleted, Category: Category, ItemCount: total})
	return true
}

// maxCreateBody bounds the create response read for the server id
const maxCreateBody = 1 << 20

// replayBody is the wire body of create and update replays
type replayBody struct {
	Date        string  `json:"date"`
	Distance    float64 `json:"distance"`
	Description *string `json:"description"`
	StravaRide  *int64  `json:"stravaRide"`
}

func (r *Reconciler) request(ctx context.Context, token string, ride store.Ride) (*http.Request, error) {
	ridesPath := fmt.Sprintf("%s/bikes/%d/rides", r.opts.APIPrefix, ride.BikeID)

	var (
		method string
		path   string
		body   io.Reader
	)
	switch {
	case ride.ID.IsLocal():
		method, path = http.MethodPost, ridesPath
	case ride.Deleted():
		method, path = http.MethodDelete, fmt.Sprintf("%s/%d", ridesPath, ride.ID.N)
	default:
		method, path = http.MethodPut, fmt.Sprintf("%s/%d", ridesPath, ride.ID.N)
	}

	if method != http.MethodDelete {
		b, err := json.Marshal(replayBody{
			Date:        ride.Date,
			Distance:    ride.Distance,
			Description: ride.Description,
			StravaRide:  ride.StravaRide,
		})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (r *Reconciler) replay(ctx context.Context, token string, ride store.Ride) error {
	logger := log.Ctx(ctx).With().Str("rideId", ride.ID.String()).Int64("bikeId", ride.BikeID).Logger()

	if ride.ID.IsLocal() && ride.Deleted() {
		logger.Debug().Msg("sync: dropping ride created and deleted offline")
		return r.settle(ctx, ride, store.RideID{})
	}

	req, err := r.request(ctx, token, ride)
	if err != nil {
		return err
	}

	resp, err := r.remote.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return errOffline
	}
	defer resp.Body.Close()

	if err := hosts.CheckStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}

	// A create answers with the server copy carrying its id
	var serverID store.RideID
	if ride.ID.IsLocal() {
		var created struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxCreateBody)).Decode(&created); err == nil && created.ID > 0 {
			serverID = store.RemoteID(uint64(created.ID))
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Debug().Str("method", req.Method).Int("status", resp.StatusCode).Msg("sync: ride replayed")
	return r.settle(ctx, ride, serverID)
}

// settle clears a replayed ride unless it was mutated during the replay
func (r *Reconciler) settle(ctx context.Context, ride store.Ride, serverID store.RideID) error {
	cleared, err := r.store.ResolveReplay(ctx, ride.ID, ride.Version, serverID)
	if err != nil {
		return err
	}
	if !cleared {
		log.Ctx(ctx).Info().Str("rideId", ride.ID.String()).Msg("sync: ride changed during replay, kept pending")
		metrics.RecordSyncItems("requeued", 1)
	}
	return nil
}

// recordFailure applies the dead-letter policy: only non-transient remote
// answers count towards MaxAttempts.
func (r *Reconciler) recordFailure(ctx context.Context, ride store.Ride, cause error) {
	logger := log.Ctx(ctx).With().Str("rideId", ride.ID.String()).Logger()

	counted := false
	var se *hosts.StatusError
	if errors.As(cause, &se) {
		counted = !se.Transient()
	}

	dead, err := r.store.RecordFailure(ctx, ride.ID, cause.Error(), counted, r.opts.MaxAttempts)
	if err != nil {
		logger.Error().Err(err).Msg("sync: failed to record replay failure")
		return
	}
	if dead {
		logger.Error().Err(cause).Msg("sync: ride dead-lettered")
		metrics.RecordSyncItems("dead_lettered", 1)
		return
	}
	logger.Warn().Err(cause).Bool("counted", counted).Msg("sync: ride replay failed")
}
