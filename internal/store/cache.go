package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CachedResponse is a stored HTTP response
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// CacheKey returns the cache key of a request: its path plus raw query
func CacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// CacheGet looks up a cached response, returning ErrNotFound on a miss
func (s *Store) CacheGet(ctx context.Context, key string) (*CachedResponse, error) {
	var (
		resp     CachedResponse
		header   string
		storedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM http_cache WHERE key = ?`, key,
	).Scan(&resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	if resp.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return nil, fmt.Errorf("parse stored_at: %w", err)
	}
	return &resp, nil
}

// CachePut stores or replaces the response under key
func (s *Store) CachePut(ctx context.Context, key string, resp *CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO http_cache (key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			status    = excluded.status,
			header    = excluded.header,
			body      = excluded.body,
			stored_at = excluded.stored_at`,
		key, resp.Status, string(header), resp.Body, formatTime(&storedAt))
	return err
}

// CacheDelete removes a cached response; a missing key is not an error
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM http_cache WHERE key = ?`, key)
	return err
}
