package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

type countingGeocoder struct {
	coords trialmatch.Coordinates
	found  bool
	calls  int32
}

func (g *countingGeocoder) Geocode(_ context.Context, _, _ string) (trialmatch.Coordinates, bool) {
	atomic.AddInt32(&g.calls, 1)
	return g.coords, g.found
}

func TestNominatimGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("countrycodes") != "us" || q.Get("limit") != "1" || q.Get("format") != "json" {
			t.Errorf("unexpected query params %v", q)
		}
		if q.Get("q") != "Boston, Massachusetts, United States" {
			t.Errorf("query term %q", q.Get("q"))
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		_, _ = w.Write([]byte(`[{"lat":"42.3601","lon":"-71.0589"}]`))
	}))
	defer srv.Close()

	g := NewNominatim(NominatimConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	coords, ok := g.Geocode(context.Background(), "Boston", "Massachusetts")
	if !ok {
		t.Fatal("expected hit")
	}
	if coords.Lat != 42.3601 || coords.Lon != -71.0589 {
		t.Fatalf("coords %+v", coords)
	}
}

func TestNominatimMissAndErrors(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"empty results": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		},
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"bad payload": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"bad coordinates": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"lat":"??","lon":"??"}]`))
		},
	} {
		srv := httptest.NewServer(handler)
		g := NewNominatim(NominatimConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
		if _, ok := g.Geocode(context.Background(), "Nowhere", "Kansas"); ok {
			t.Errorf("%s: expected miss", name)
		}
		srv.Close()
	}
}

func TestCachedGeocoderWriteThrough(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "geo.db")
	inner := &countingGeocoder{coords: trialmatch.Coordinates{Lat: 42.3601, Lon: -71.0589}, found: true}

	cache, err := NewCached(dbPath, inner)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		coords, ok := cache.Geocode(ctx, "Boston", "Massachusetts")
		if !ok || coords.Lat != 42.3601 {
			t.Fatalf("lookup %d: coords %+v ok=%v", i, coords, ok)
		}
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("inner calls %d, want 1", inner.calls)
	}

	// Key normalization: different casing and padding hit the same row.
	if _, ok := cache.Geocode(ctx, "  BOSTON ", "massachusetts"); !ok {
		t.Fatal("normalized key missed cache")
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("inner calls %d after normalized lookup, want 1", inner.calls)
	}
}

func TestCachedGeocoderNegativeCaching(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "geo.db")
	inner := &countingGeocoder{found: false}

	cache, err := NewCached(dbPath, inner)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, ok := cache.Geocode(ctx, "Atlantis", "Ocean"); ok {
			t.Fatalf("lookup %d: expected miss", i)
		}
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("inner calls %d, want 1 with negative caching", inner.calls)
	}
}

func TestCachedGeocoderPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "geo.db")
	inner := &countingGeocoder{coords: trialmatch.Coordinates{Lat: 40.7128, Lon: -74.0060}, found: true}

	c1, err := NewCached(dbPath, inner)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c1.Geocode(context.Background(), "New York", "New York"); !ok {
		t.Fatal("expected hit")
	}
	c1.Close()

	c2, err := NewCached(dbPath, inner)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	coords, ok := c2.Geocode(context.Background(), "New York", "New York")
	if !ok || coords.Lat != 40.7128 {
		t.Fatalf("reopened cache returned %+v ok=%v", coords, ok)
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("inner calls %d, want 1 across reopen", inner.calls)
	}
}
