package intercept

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/erauner12/ridesync/internal/store"
)

// HandlerFunc serves a request matched by a route
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p Params)

type captureKind int

const (
	literal captureKind = iota
	kindString
	kindInt
	kindRideID
)

func parseKind(s string) (captureKind, error) {
	switch s {
	case "", "string":
		return kindString, nil
	case "int":
		return kindInt, nil
	case "rideid":
		return kindRideID, nil
	}
	return 0, fmt.Errorf("unknown capture type %q", s)
}

// segment is either a literal path segment or a typed capture
type segment struct {
	kind  captureKind
	value string // literal text, or capture name
	key   string // query parameter key
}

type route struct {
	method  string
	pattern string
	path    []segment
	query   []segment
	handler HandlerFunc
}

// Params holds the typed values captured by a route
type Params map[string]any

// Int returns an int capture
func (p Params) Int(name string) int64 {
	v, _ := p[name].(int64)
	return v
}

// RideID returns a rideid capture
func (p Params) RideID(name string) store.RideID {
	v, _ := p[name].(store.RideID)
	return v
}

// String returns a string capture
func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// Has reports whether name was captured
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Table is an ordered route table: the first route whose method, path and
// required query parameters match wins. Templates look like
//
//	/rides/{bikeId:int}/{id:rideid}
//	/rides/years?bikeId={bikeId:int}
//
// Capture types are string (default), int (non-negative) and rideid
// (signed wire form of a store.RideID).
type Table struct {
	routes []*route
}

// NewTable creates an empty route table
func NewTable() *Table {
	return &Table{}
}

// Handle appends a route
func (t *Table) Handle(method, pattern string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	pathPart, queryPart, _ := strings.Cut(pattern, "?")
	rt := &route{method: method, pattern: pattern, handler: h}

	for _, s := range splitPath(pathPart) {
		seg, err := parseSegment(s)
		if err != nil {
			return fmt.Errorf("route %s %s: %w", method, pattern, err)
		}
		rt.path = append(rt.path, seg)
	}

	if queryPart != "" {
		for _, kv := range strings.Split(queryPart, "&") {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return fmt.Errorf("route %s %s: malformed query %q", method, pattern, kv)
			}
			seg, err := parseSegment(val)
			if err != nil || seg.kind == literal {
				return fmt.Errorf("route %s %s: query %q must be a capture", method, pattern, kv)
			}
			seg.key = key
			rt.query = append(rt.query, seg)
		}
	}

	t.routes = append(t.routes, rt)
	return nil
}

// MustHandle appends a route or panics (for init-time registration)
func (t *Table) MustHandle(method, pattern string, h HandlerFunc) {
	if err := t.Handle(method, pattern, h); err != nil {
		panic(err)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func parseSegment(s string) (segment, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return segment{kind: literal, value: s}, nil
	}
	name, typ, _ := strings.Cut(s[1:len(s)-1], ":")
	if name == "" {
		return segment{}, fmt.Errorf("empty capture name in %q", s)
	}
	kind, err := parseKind(typ)
	if err != nil {
		return segment{}, err
	}
	return segment{kind: kind, value: name}, nil
}

func (s segment) capture(raw string) (any, bool) {
	switch s.kind {
	case kindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, false
		}
		return n, true
	case kindRideID:
		id, err := store.ParseRideID(raw)
		if err != nil {
			return nil, false
		}
		return id, true
	default:
		if raw == "" {
			return nil, false
		}
		return raw, true
	}
}

func (rt *route) match(method string, parts []string, query url.Values) (Params, bool) {
	if rt.method != method || len(rt.path) != len(parts) {
		return nil, false
	}

	params := Params{}
	for i, seg := range rt.path {
		if seg.kind == literal {
			if seg.value != parts[i] {
				return nil, false
			}
			continue
		}
		v, ok := seg.capture(parts[i])
		if !ok {
			return nil, false
		}
		params[seg.value] = v
	}

	for _, seg := range rt.query {
		v, ok := seg.capture(query.Get(seg.key))
		if !ok {
			return nil, false
		}
		params[seg.value] = v
	}
	return params, true
}

// Match finds the first route for method, path and query
func (t *Table) Match(method, path string, query url.Values) (HandlerFunc, Params, bool) {
	parts := splitPath(path)
	for _, rt := range t.routes {
		if p, ok := rt.match(method, parts, query); ok {
			return rt.handler, p, true
		}
	}
	return nil, nil, false
}

// Routes lists "METHOD pattern" in evaluation order
func (t *Table) Routes() []string {
	out := make([]string, len(t.routes))
	for i, rt := range t.routes {
		out[i] = rt.method + " " + rt.pattern
	}
	return out
}
