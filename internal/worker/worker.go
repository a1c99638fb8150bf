// Package worker wires the ridesync components into one process: the local
// store, the host selector, the request interceptor, the reconciler and the
// RPC variants.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/calls"
	"github.com/erauner12/ridesync/internal/config"
	"github.com/erauner12/ridesync/internal/hosts"
	"github.com/erauner12/ridesync/internal/intercept"
	"github.com/erauner12/ridesync/internal/rpc"
	"github.com/erauner12/ridesync/internal/store"
	"github.com/erauner12/ridesync/internal/syncer"
)

// Worker holds every component of a running worker. It is built once by New
// and passed explicitly to whatever needs it.
type Worker struct {
	cfg     *config.Config
	version string

	Store       *store.Store
	Selector    *hosts.Selector
	Reconciler  *syncer.Reconciler
	Calls       *calls.Handlers
	Router      *rpc.Router
	Interceptor *intercept.Interceptor
}

// New opens the local store and builds the components. The caller owns the
// returned Worker and must Close it.
func New(ctx context.Context, cfg *config.Config, version string) (*Worker, error) {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	w := &Worker{cfg: cfg, version: version, Store: st}

	w.Selector = hosts.New(w.hostSource, hosts.Options{
		StatusPath:   cfg.StatusPath,
		ProbeTimeout: cfg.ProbeTimeout.Duration,
		FetchTimeout: cfg.FetchTimeout.Duration,
	})

	w.Reconciler = syncer.New(st, w.Selector, syncer.Options{
		APIPrefix:   cfg.APIPrefix,
		Concurrency: cfg.SyncConcurrency,
		MaxAttempts: cfg.MaxSyncAttempts,
	})

	w.Calls = calls.New(calls.Deps{
		Version:   version,
		Hosts:     w.Selector,
		Syncer:    w.Reconciler,
		Store:     st,
		APIPrefix: cfg.APIPrefix,
		Resources: cfg.Resources,
	})
	w.Router = rpc.NewRouter()
	w.Calls.Register(w.Router)

	table := intercept.NewTable()
	intercept.RideRoutes(table, st)
	w.Interceptor = intercept.New(w.Selector, st, table, intercept.WithAPIPrefix(cfg.APIPrefix))

	return w, nil
}

// Close releases the local store
func (w *Worker) Close() error {
	return w.Store.Close()
}

// statusDocument is the part of the status response the worker reads
type statusDocument struct {
	Version   string   `json:"version"`
	Hostnames []string `json:"hostnames"`
}

// hostSource lists the candidate hosts: the hostnames advertised by the
// cached status document, or the configured seed hosts.
func (w *Worker) hostSource(ctx context.Context) ([]*url.URL, error) {
	logger := log.Ctx(ctx)

	entry, err := w.Store.CacheGet(ctx, w.cfg.StatusPath)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Debug().Msg("no cached status, using seed hosts")
	case err != nil:
		logger.Warn().Err(err).Msg("failed to read cached status, using seed hosts")
	default:
		var doc statusDocument
		if err := json.Unmarshal(entry.Body, &doc); err != nil {
			logger.Warn().Err(err).Msg("cached status is not valid json, using seed hosts")
			break
		}
		advertised, err := hosts.ParseOrigins(doc.Hostnames)
		if err != nil {
			logger.Warn().Err(err).Msg("cached status lists an invalid host, using seed hosts")
			break
		}
		if len(advertised) > 0 {
			logger.Info().Strs("hosts", doc.Hostnames).Msg("using hosts advertised by status")
			return advertised, nil
		}
	}

	return hosts.ParseOrigins(w.cfg.SeedHosts())
}

// Prime caches the status document and the frontend resources. Failures
// are logged; the worker still runs offline.
func (w *Worker) Prime(ctx context.Context) {
	logger := log.Ctx(ctx)

	if err := w.Calls.CachePath(ctx, w.cfg.StatusPath, ""); err != nil {
		logger.Warn().Err(err).Msg("failed to cache status document")
	} else {
		// Adopt the hostnames advertised by the fresh status
		if err := w.Selector.Reload(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to reload hosts")
		}
	}
	if err := w.Calls.CacheResources(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to cache frontend resources")
	}
}
