// Package calls implements the RPC variants the foreground application uses
// to drive the worker.
package calls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/hosts"
	"github.com/erauner12/ridesync/internal/rpc"
	"github.com/erauner12/ridesync/internal/store"
	"github.com/erauner12/ridesync/internal/syncer"
)

// Variant names
const (
	VariantStatus      = "status"
	VariantCheckHosts  = "checkHosts"
	VariantVersion     = "version"
	VariantSync        = "sync"
	VariantAuthInit    = "authInit"
	VariantUpdate      = "update"
	VariantDeadLetters = "deadLetters"
	VariantRequeue     = "requeue"
)

// Hosts is the host selector as seen by the variants
type Hosts interface {
	SelectHost(ctx context.Context) bool
	TestHosts(ctx context.Context) ([]hosts.HostStatus, error)
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Syncer runs sync passes
type Syncer interface {
	Sync(ctx context.Context, token string, report func(syncer.Report)) bool
}

// Store is the part of the local store the variants use
type Store interface {
	CachePut(ctx context.Context, key string, resp *store.CachedResponse) error
	CacheDelete(ctx context.Context, key string) error
	DeadLetters(ctx context.Context) ([]store.DeadLetter, error)
	Requeue(ctx context.Context) (int, error)
}

// Deps are the collaborators of Handlers
type Deps struct {
	Version   string
	Hosts     Hosts
	Syncer    Syncer
	Store     Store
	APIPrefix string
	// Resources are the frontend paths re-cached by update
	Resources []string
}

// Handlers serves every variant
type Handlers struct {
	deps Deps

	mu    sync.RWMutex
	token string // last token passed to authInit
}

// New creates Handlers
func New(deps Deps) *Handlers {
	if deps.APIPrefix == "" {
		deps.APIPrefix = "/api"
	}
	return &Handlers{deps: deps}
}

// Register adds every variant to r
func (h *Handlers) Register(r *rpc.Router) {
	r.MustCall(VariantStatus, h.Status)
	r.MustCall(VariantCheckHosts, h.CheckHosts)
	r.MustCall(VariantVersion, h.Version)
	r.MustStream(VariantSync, h.Sync)
	r.MustCall(VariantAuthInit, h.AuthInit)
	r.MustCall(VariantUpdate, h.Update)
	r.MustCall(VariantDeadLetters, h.DeadLetters)
	r.MustCall(VariantRequeue, h.Requeue)
}

// decode unmarshals a payload; an empty payload leaves v untouched
func decode(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return rpc.NewError(rpc.ErrCodeInvalidPayload, "%v", err)
	}
	return nil
}

// StatusResult is the result of status
type StatusResult struct {
	IsOnline bool `json:"isOnline"`
}

// Status re-selects a host and reports whether one is reachable
func (h *Handlers) Status(ctx context.Context, _ json.RawMessage) (any, error) {
	return StatusResult{IsOnline: h.deps.Hosts.SelectHost(ctx)}, nil
}

// CheckHosts probes every candidate without changing the selection
func (h *Handlers) CheckHosts(ctx context.Context, _ json.RawMessage) (any, error) {
	results, err := h.deps.Hosts.TestHosts(ctx)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// VersionResult is the result of version
type VersionResult struct {
	Version string `json:"version"`
}

func (h *Handlers) Version(context.Context, json.RawMessage) (any, error) {
	return VersionResult{Version: h.deps.Version}, nil
}

// SyncPayload is the payload of sync and authInit
type SyncPayload struct {
	Token string `json:"token"`
}

// Sync runs a sync pass, emitting each report as a stream item
func (h *Handlers) Sync(ctx context.Context, payload json.RawMessage, emit rpc.Emit) (bool, error) {
	var p SyncPayload
	if err := decode(payload, &p); err != nil {
		return false, err
	}

	if p.Token == "" {
		p.Token = h.Token()
	}

	ok := h.deps.Syncer.Sync(ctx, p.Token, func(r syncer.Report) {
		if err := emit(r); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("type", r.Type).Msg("failed to emit sync report")
		}
	})
	return ok, nil
}

// AuthInit refreshes the cached bike list for a signed-in user. Without a
// token the cached list is dropped.
func (h *Handlers) AuthInit(ctx context.Context, payload json.RawMessage) (any, error) {
	var p SyncPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}

	bikesPath := h.deps.APIPrefix + "/bikes"
	logger := log.Ctx(ctx)

	h.mu.Lock()
	h.token = p.Token
	h.mu.Unlock()

	if p.Token == "" {
		if err := h.deps.Store.CacheDelete(ctx, bikesPath); err != nil {
			return nil, err
		}
		logger.Info().Msg("signed out, dropped cached bikes")
		return struct{}{}, nil
	}

	if sub := tokenSubject(p.Token); sub != "" {
		subLogger := logger.With().Str("sub", sub).Logger()
		logger = &subLogger
		ctx = logger.WithContext(ctx)
	}

	if err := h.CachePath(ctx, bikesPath, p.Token); err != nil {
		return nil, err
	}
	logger.Info().Msg("cached bikes for signed-in user")
	return struct{}{}, nil
}

// Token returns the token of the signed-in user, if any. Sync passes that
// are not given a token use it.
func (h *Handlers) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// tokenSubject returns the sub claim of a JWT without verifying it; the
// remote host does the verification
func tokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// Update re-caches the frontend resources
func (h *Handlers) Update(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.CacheResources(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// DeadLetters lists rides whose replay was given up on
func (h *Handlers) DeadLetters(ctx context.Context, _ json.RawMessage) (any, error) {
	letters, err := h.deps.Store.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return letters, nil
}

// RequeueResult is the result of requeue
type RequeueResult struct {
	Requeued int `json:"requeued"`
}

// Requeue returns every dead letter to the pending set
func (h *Handlers) Requeue(ctx context.Context, _ json.RawMessage) (any, error) {
	n, err := h.deps.Store.Requeue(ctx)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().Int("count", n).Msg("requeued dead-lettered rides")
	return RequeueResult{Requeued: n}, nil
}

// CacheResources fetches and caches every configured resource. All
// resources are attempted; the errors are joined.
func (h *Handlers) CacheResources(ctx context.Context) error {
	var errs []error
	for _, path := range h.deps.Resources {
		if err := h.CachePath(ctx, path, ""); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// CachePath fetches path from the remote host and caches a 2xx response
func (h *Handlers) CachePath(ctx context.Context, path, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.deps.Hosts.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return rpc.NewError(rpc.ErrCodeUnavailable, "no host reachable for %s", path)
	}
	defer resp.Body.Close()

	if err := hosts.CheckStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return h.deps.Store.CachePut(ctx, store.CacheKey(req), &store.CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	})
}
