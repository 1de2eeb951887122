package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNominatimGeocode(t *testing.T) {
	t.Parallel()

	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"-25.4284","lon":"-49.2733"}]`))
	}))
	defer srv.Close()

	n := NewNominatim(srv.Client(), srv.URL)
	box := ViewBox{TopLeft: Point{Lat: -25.3, Long: -49.4}, BottomRight: Point{Lat: -25.6, Long: -49.2}}

	res, err := n.Geocode(context.Background(), "Rua das Flores, 100", box)
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if res.Latitude != -25.4284 || res.Longitude != -49.2733 {
		t.Fatalf("result = %+v", res)
	}

	if got := gotQuery["q"]; len(got) != 1 || got[0] != "Rua das Flores, 100" {
		t.Fatalf("q = %v", gotQuery["q"])
	}
	if got := gotQuery["bounded"]; len(got) != 1 || got[0] != "1" {
		t.Fatalf("bounded = %v", gotQuery["bounded"])
	}
	if got := gotQuery["viewbox"]; len(got) != 1 || got[0] != "-49.4,-25.3,-49.2,-25.6" {
		t.Fatalf("viewbox = %v", gotQuery["viewbox"])
	}
}

func TestNominatimNoResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	n := NewNominatim(srv.Client(), srv.URL)
	_, err := n.Geocode(context.Background(), "nowhere", ViewBox{})
	if !errors.Is(err, ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", err)
	}
}

func TestNominatimHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewNominatim(srv.Client(), srv.URL)
	if _, err := n.Geocode(context.Background(), "x", ViewBox{}); err == nil {
		t.Fatalf("expected error on 429")
	}
}
