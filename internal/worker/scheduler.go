package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/syncer"
)

var errOffline = errors.New("no host reachable")

// RunScheduler triggers a sync pass every SyncInterval until ctx is done.
// While offline it re-probes the hosts with exponential backoff, capped at
// the interval, and syncs as soon as a host answers.
func (w *Worker) RunScheduler(ctx context.Context) error {
	interval := w.cfg.SyncInterval.Duration
	if interval <= 0 {
		log.Ctx(ctx).Info().Msg("periodic sync disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.waitOnline(ctx, interval); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			w.syncOnce(ctx)
		}
	}
}

// waitOnline returns once a host is selected
func (w *Worker) waitOnline(ctx context.Context, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if b.InitialInterval > maxInterval {
		b.InitialInterval = maxInterval
	}
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if w.Selector.SelectHost(ctx) {
			return nil
		}
		return errOffline
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Ctx(ctx).Debug().Int("attempt", attempt).Dur("retryIn", next).Msg("offline, re-probing hosts")
	})
}

func (w *Worker) syncOnce(ctx context.Context) bool {
	logger := log.Ctx(ctx)
	return w.Reconciler.Sync(ctx, w.Calls.Token(), func(r syncer.Report) {
		logger.Info().
			Str("type", r.Type).
			Str("category", r.Category).
			Int("itemCount", r.ItemCount).
			Int("failed", r.Failed).
			Msg("scheduled sync")
	})
}
