// Package hosts picks the reachable backend among several candidate origins
// and forwards requests to it.
package hosts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/ridesync/internal/lock"
	"github.com/erauner12/ridesync/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultProbeTimeout bounds a single liveness probe
	DefaultProbeTimeout = 5 * time.Second

	// DefaultFetchTimeout bounds a forwarded request
	DefaultFetchTimeout = 5 * time.Second

	// DefaultStatusPath is probed with HEAD on every candidate
	DefaultStatusPath = "/api/status"
)

// ErrNoHosts is returned by Init when the source yields no candidates
var ErrNoHosts = errors.New("no candidate hosts")

// HostSource loads the candidate origins. It is called once, on first use.
type HostSource func(ctx context.Context) ([]*url.URL, error)

// StaticHosts returns a HostSource for a fixed list of origins
func StaticHosts(origins ...string) HostSource {
	return func(ctx context.Context) ([]*url.URL, error) {
		return ParseOrigins(origins)
	}
}

// ParseOrigins parses absolute origins, skipping blanks
func ParseOrigins(origins []string) ([]*url.URL, error) {
	hosts := make([]*url.URL, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", o, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid host %q: origin must be absolute", o)
		}
		hosts = append(hosts, &url.URL{Scheme: u.Scheme, Host: u.Host})
	}
	return hosts, nil
}

// HostStatus is the probe result for one candidate
type HostStatus struct {
	Host      string `json:"host"`
	Available bool   `json:"available"`
}

// Options tunes a Selector. Zero values select the defaults.
type Options struct {
	StatusPath   string
	ProbeTimeout time.Duration
	FetchTimeout time.Duration
	Client       *http.Client
}

// Selector keeps track of the currently selected host. Candidates are loaded
// lazily; the first caller of Init performs the load and the first
// selection while concurrent callers wait for it.
type Selector struct {
	source       HostSource
	statusPath   string
	probeTimeout time.Duration
	fetchTimeout time.Duration
	client       *http.Client

	initLock    *lock.Mutex
	initialized atomic.Bool

	mu      sync.RWMutex
	hosts   []*url.URL
	current *url.URL
}

// New creates a Selector that loads its candidates from source
func New(source HostSource, opts Options) *Selector {
	s := &Selector{
		source:       source,
		statusPath:   opts.StatusPath,
		probeTimeout: opts.ProbeTimeout,
		fetchTimeout: opts.FetchTimeout,
		client:       opts.Client,
		initLock:     lock.New(),
	}
	if s.statusPath == "" {
		s.statusPath = DefaultStatusPath
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = DefaultFetchTimeout
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	return s
}

// Init loads the candidates and performs the first selection. It is safe to
// call repeatedly and concurrently; only the first call does any work.
func (s *Selector) Init(ctx context.Context) error {
	_, err := s.ensureInit(ctx)
	return err
}

// ensureInit reports whether this call performed the initial selection
func (s *Selector) ensureInit(ctx context.Context) (bool, error) {
	// Fast path
	if s.initialized.Load() {
		return false, nil
	}

	return lock.Do(ctx, s.initLock, func(ctx context.Context) (bool, error) {
		// Double-check: another goroutine may have finished while we waited
		if s.initialized.Load() {
			return false, nil
		}

		if err := s.load(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Reload re-reads the candidates from the source and selects again. The
// current host survives only while it is still a candidate.
func (s *Selector) Reload(ctx context.Context) error {
	return s.initLock.Run(ctx, s.load)
}

// load replaces the candidates and performs a selection. Callers hold initLock.
func (s *Selector) load(ctx context.Context) error {
	hosts, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}
	if len(hosts) == 0 {
		return ErrNoHosts
	}

	s.mu.Lock()
	s.hosts = hosts
	if s.current != nil && !containsHost(hosts, s.current) {
		s.current = nil
	}
	s.mu.Unlock()

	log.Info().Int("hosts", len(hosts)).Msg("host candidates loaded")

	s.selectHost(ctx)
	s.initialized.Store(true)
	return nil
}

func containsHost(hosts []*url.URL, h *url.URL) bool {
	for _, c := range hosts {
		if c.String() == h.String() {
			return true
		}
	}
	return false
}

// Hosts returns the candidate origins
func (s *Selector) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.hosts))
	for i, h := range s.hosts {
		out[i] = h.String()
	}
	return out
}

// Current returns the selected origin, or "" when offline
func (s *Selector) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return ""
	}
	return s.current.String()
}

// IsOffline reports whether no host is selected
func (s *Selector) IsOffline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current == nil
}

// SelectHost probes all candidates and the current host concurrently. A live
// current host is kept; otherwise the first candidate to answer successfully
// is adopted. If nothing answers the selection is cleared. It reports
// whether a host is selected afterwards.
func (s *Selector) SelectHost(ctx context.Context) bool {
	selected, err := s.ensureInit(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("host selector not initialized")
		return false
	}
	if selected {
		return !s.IsOffline()
	}
	return s.selectHost(ctx)
}

func (s *Selector) selectHost(ctx context.Context) bool {
	s.mu.RLock()
	hosts := s.hosts
	current := s.current
	s.mu.RUnlock()

	type result struct {
		host *url.URL
		ok   bool
	}

	// Buffered so losing probes can finish after the winner is picked
	results := make(chan result, len(hosts))
	for _, h := range hosts {
		go func(h *url.URL) {
			results <- result{host: h, ok: s.probe(ctx, h)}
		}(h)
	}

	var currentAlive chan bool
	if current != nil {
		currentAlive = make(chan bool, 1)
		go func() { currentAlive <- s.probe(ctx, current) }()
	}

	var fastest *url.URL
	for range hosts {
		if r := <-results; r.ok {
			fastest = r.host
			break
		}
	}

	if currentAlive != nil && <-currentAlive {
		metrics.SetOnline(true)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fastest == nil {
		if s.current != nil {
			log.Warn().Str("host", s.current.String()).Msg("no host reachable, going offline")
		}
		s.current = nil
		metrics.SetOnline(false)
		return false
	}

	if s.current == nil || s.current.String() != fastest.String() {
		log.Info().Str("host", fastest.String()).Msg("selected host")
	}
	s.current = fastest
	metrics.SetOnline(true)
	return true
}

// TestHosts probes every candidate without touching the selection
func (s *Selector) TestHosts(ctx context.Context) ([]HostStatus, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	hosts := s.hosts
	s.mu.RUnlock()

	statuses := make([]HostStatus, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h *url.URL) {
			defer wg.Done()
			statuses[i] = HostStatus{Host: h.String(), Available: s.probe(ctx, h)}
		}(i, h)
	}
	wg.Wait()
	return statuses, nil
}

// probe sends HEAD {origin}{statusPath} bounded by the probe timeout
func (s *Selector) probe(ctx context.Context, host *url.URL) bool {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, host.String()+s.statusPath, nil)
	if err != nil {
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("host", host.String()).Dur("duration", time.Since(start)).Msg("probe failed")
		metrics.RecordProbe(host.String(), false)
		return false
	}
	resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	log.Debug().
		Str("host", host.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("probe completed")
	metrics.RecordProbe(host.String(), ok)
	return ok
}

// Fetch forwards req to the selected host, keeping its path and query. It
// returns (nil, nil) when offline, on timeout, or on a network error, so the
// caller can fall back. Other failures are returned as errors. The body of
// req is restored so it can be reused by the caller.
func (s *Selector) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := s.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Ctx(ctx).Warn().Err(err).Msg("host selector unavailable, treating as offline")
		return nil, nil
	}

	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current == nil {
		return nil, nil
	}

	target := *current
	target.Path = req.URL.Path
	target.RawPath = req.URL.RawPath
	target.RawQuery = req.URL.RawQuery

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	out, err := cloneRequest(fctx, req, target.String())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to clone request: %w", err)
	}

	correlationID := out.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.New().String()
		out.Header.Set("X-Correlation-ID", correlationID)
	}

	logger := log.Ctx(ctx).With().
		Str("method", out.Method).
		Str("url", out.URL.String()).
		Str("correlationId", correlationID).
		Logger()

	start := time.Now()
	resp, err := s.client.Do(out)
	duration := time.Since(start)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isUnreachable(err) {
			logger.Debug().Err(err).Dur("duration", duration).Msg("host unreachable")
			return nil, nil
		}
		logger.Error().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return nil, err
	}

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", duration).Msg("HTTP request completed")

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// isUnreachable reports timeouts and connection-level failures
func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// cloneRequest copies req onto target, preserving the original body
func cloneRequest(ctx context.Context, req *http.Request, target string) (*http.Request, error) {
	var bodyBytes []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	var body io.Reader
	if len(bodyBytes) > 0 {
		body = bytes.NewReader(bodyBytes)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		out.Header[k] = append([]string(nil), v...)
	}
	return out, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
