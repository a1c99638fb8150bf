// Package intercept answers the application's HTTP requests from the best
// available tier: the selected remote host, the local ride handlers, the
// HTTP cache, and finally a 408 Offline response.
package intercept

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/metrics"
	"github.com/erauner12/ridesync/internal/store"
)

const (
	// DefaultAPIPrefix marks the requests handled by the API tiers
	DefaultAPIPrefix = "/api"
	// DefaultFallbackPage is served for frontend paths missing from the cache
	DefaultFallbackPage = "/index.html"
)

// Fetcher performs a request against the remote host. A nil response
// with a nil error means the host is unreachable.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Cache stores responses keyed by store.CacheKey
type Cache interface {
	CacheGet(ctx context.Context, key string) (*store.CachedResponse, error)
	CachePut(ctx context.Context, key string, resp *store.CachedResponse) error
}

// Interceptor is the worker's request handler
type Interceptor struct {
	fetcher      Fetcher
	cache        Cache
	local        *Table
	apiPrefix    string
	fallbackPage string
}

// Option configures an Interceptor
type Option func(*Interceptor)

// WithAPIPrefix overrides DefaultAPIPrefix
func WithAPIPrefix(prefix string) Option {
	return func(i *Interceptor) {
		if prefix != "" {
			i.apiPrefix = strings.TrimSuffix(prefix, "/")
		}
	}
}

// WithFallbackPage overrides DefaultFallbackPage
func WithFallbackPage(page string) Option {
	return func(i *Interceptor) {
		if page != "" {
			i.fallbackPage = page
		}
	}
}

// New creates an Interceptor
func New(fetcher Fetcher, cache Cache, local *Table, opts ...Option) *Interceptor {
	if local == nil {
		local = NewTable()
	}
	i := &Interceptor{
		fetcher:      fetcher,
		cache:        cache,
		local:        local,
		apiPrefix:    DefaultAPIPrefix,
		fallbackPage: DefaultFallbackPage,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) isAPI(path string) bool {
	return path == i.apiPrefix || strings.HasPrefix(path, i.apiPrefix+"/")
}

// ServeHTTP implements http.Handler
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	if i.isAPI(r.URL.Path) {
		err = i.serveAPI(w, r)
	} else {
		err = i.serveResource(w, r)
	}
	if err != nil {
		internalError(w, r, err)
	}
}

func (i *Interceptor) serveAPI(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	served, err := i.serveRemote(w, r)
	if err != nil || served {
		return err
	}

	rel := strings.TrimPrefix(r.URL.Path, i.apiPrefix)
	if h, params, ok := i.local.Match(r.Method, rel, r.URL.Query()); ok {
		metrics.RecordTier("local")
		logger.Debug().Str("path", r.URL.Path).Msg("serving from local handlers")
		h(w, r, params)
		return nil
	}

	served, err = i.serveCached(w, r, store.CacheKey(r))
	if err != nil || served {
		return err
	}

	metrics.RecordTier("offline")
	logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("falling back to offline response")
	writeOffline(w)
	return nil
}

func (i *Interceptor) serveResource(w http.ResponseWriter, r *http.Request) error {
	served, err := i.serveRemote(w, r)
	if err != nil {
		// resources are best effort; the cache still gets a chance
		log.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("resource fetch failed")
	}
	if served {
		return nil
	}

	if served, err := i.serveCached(w, r, store.CacheKey(r)); err != nil || served {
		return err
	}
	if served, err := i.serveCached(w, r, i.fallbackPage); err != nil || served {
		return err
	}

	metrics.RecordTier("offline")
	writeOffline(w)
	return nil
}

// serveRemote writes the remote response, if there is one. Successful GET
// responses are also cached.
func (i *Interceptor) serveRemote(w http.ResponseWriter, r *http.Request) (bool, error) {
	resp, err := i.fetcher.Fetch(r.Context(), r)
	if err != nil || resp == nil {
		return false, err
	}
	defer resp.Body.Close()
	metrics.RecordTier("remote")

	if r.Method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode > 299 {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, err := io.Copy(w, resp.Body)
		if err != nil {
			log.Ctx(r.Context()).Debug().Err(err).Msg("client went away while streaming response")
		}
		return true, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	entry := &store.CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}
	if err := i.cache.CachePut(r.Context(), store.CacheKey(r), entry); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("failed to cache response")
	}
	writeCached(w, entry)
	return true, nil
}

func (i *Interceptor) serveCached(w http.ResponseWriter, r *http.Request, key string) (bool, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false, nil
	}
	entry, err := i.cache.CacheGet(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.RecordTier("cache")
	log.Ctx(r.Context()).Debug().Str("key", key).Time("storedAt", entry.StoredAt).Msg("serving from cache")
	writeCached(w, entry)
	return true, nil
}

// skippedHeaders are never copied from a remote or cached response: the
// front server owns the correlation id, the rest are hop-by-hop.
var skippedHeaders = map[string]bool{
	"X-Correlation-Id":    true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if skippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeCached(w http.ResponseWriter, entry *store.CachedResponse) {
	copyHeader(w.Header(), entry.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(entry.Status)
	_, _ = io.Copy(w, bytes.NewReader(entry.Body))
}

func writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusRequestTimeout)
	_, _ = io.WriteString(w, "Offline")
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Ctx(r.Context()).Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, "Internal Worker Error", http.StatusInternalServerError)
}
