package intercept

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/erauner12/ridesync/internal/store"
)

func named(name string) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p Params) {
		w.Header().Set("X-Route", name)
	}
}

func matchName(t *testing.T, tbl *Table, method, target string) (string, Params) {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse %q: %v", target, err)
	}
	h, p, ok := tbl.Match(method, u.Path, u.Query())
	if !ok {
		return "", nil
	}
	rec := &headerRecorder{h: http.Header{}}
	h(rec, nil, p)
	return rec.h.Get("X-Route"), p
}

type headerRecorder struct {
	http.ResponseWriter
	h http.Header
}

func (r *headerRecorder) Header() http.Header { return r.h }

func TestTable_TypedCaptures(t *testing.T) {
	tbl := NewTable()
	tbl.MustHandle("GET", "/rides/years?bikeId={bikeId:int}", named("years"))
	tbl.MustHandle("GET", "/rides?bikeId={bikeId:int}", named("list"))
	tbl.MustHandle("GET", "/rides/{bikeId:int}/{year:int}/{month:int}", named("month"))
	tbl.MustHandle("PUT", "/rides/{bikeId:int}/{id:rideid}", named("update"))
	tbl.MustHandle("GET", "/pages/{slug}", named("page"))

	tests := []struct {
		name   string
		method string
		target string
		want   string
	}{
		{"query capture", "GET", "/rides?bikeId=3", "list"},
		{"missing required query", "GET", "/rides", ""},
		{"non-numeric query", "GET", "/rides?bikeId=abc", ""},
		{"years", "GET", "/rides/years?bikeId=3", "years"},
		{"month", "GET", "/rides/3/2024/5", "month"},
		{"month with text", "GET", "/rides/3/2024/may", ""},
		{"update local id", "PUT", "/rides/3/-7", "update"},
		{"update remote id", "PUT", "/rides/3/42", "update"},
		{"zero id rejected", "PUT", "/rides/3/0", ""},
		{"negative bike rejected", "PUT", "/rides/-3/42", ""},
		{"wrong method", "DELETE", "/rides/3/42", ""},
		{"string capture", "GET", "/pages/about", "page"},
		{"too many segments", "GET", "/pages/about/more", ""},
		{"trailing slash", "GET", "/pages/about/", "page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := matchName(t, tbl, tt.method, tt.target)
			if got != tt.want {
				t.Errorf("%s %s matched %q, want %q", tt.method, tt.target, got, tt.want)
			}
		})
	}
}

func TestTable_CaptureValues(t *testing.T) {
	tbl := NewTable()
	tbl.MustHandle("DELETE", "/bikes/{bikeId:int}/rides/{id:rideid}", named("delete"))

	_, p := matchName(t, tbl, "DELETE", "/bikes/12/rides/-5")
	if p == nil {
		t.Fatal("expected a match")
	}
	if got := p.Int("bikeId"); got != 12 {
		t.Errorf("bikeId = %d, want 12", got)
	}
	if got := p.RideID("id"); got != store.LocalID(5) {
		t.Errorf("id = %v, want local:5", got)
	}
	if p.Has("missing") {
		t.Error("Has reported a capture that does not exist")
	}
}

func TestTable_FirstMatchWins(t *testing.T) {
	tbl := NewTable()
	tbl.MustHandle("GET", "/rides/{bikeId:int}/{id:rideid}", named("first"))
	tbl.MustHandle("GET", "/rides/{bikeId:int}/{other}", named("second"))

	if got, _ := matchName(t, tbl, "GET", "/rides/1/2"); got != "first" {
		t.Errorf("got %q, want first", got)
	}
	if got, _ := matchName(t, tbl, "GET", "/rides/1/abc"); got != "second" {
		t.Errorf("got %q, want second", got)
	}

	want := []string{"GET /rides/{bikeId:int}/{id:rideid}", "GET /rides/{bikeId:int}/{other}"}
	got := tbl.Routes()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Routes() = %v, want %v", got, want)
	}
}

func TestTable_InvalidPatterns(t *testing.T) {
	tests := []string{
		"/rides/{id:float}",
		"/rides/{}",
		"/rides?bikeId",
		"/rides?bikeId=3",
	}
	for _, pattern := range tests {
		t.Run(pattern, func(t *testing.T) {
			if err := NewTable().Handle("GET", pattern, named("x")); err == nil {
				t.Errorf("expected error for %q", pattern)
			}
		})
	}

	if err := NewTable().Handle("GET", "/rides", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}
