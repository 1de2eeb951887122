package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultNominatimURL = "https://nominatim.openstreetmap.org"

// Nominatim implements Geocoder against the OSM Nominatim search API.
//
// Lookups are bounded to the configured viewbox so that ambiguous street
// names resolve inside the scraped region. The public service allows one
// request per second; callers are expected to geocode sequentially.
type Nominatim struct {
	client  *http.Client
	baseURL string
}

// NewNominatim creates a client. Empty baseURL targets the public service;
// tests point it at a local server. A nil client uses a 10 second timeout.
func NewNominatim(client *http.Client, baseURL string) *Nominatim {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	return &Nominatim{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type nominatimHit struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode implements Geocoder.
func (n *Nominatim) Geocode(ctx context.Context, address string, box ViewBox) (Result, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	if box != (ViewBox{}) {
		// Nominatim wants x1,y1,x2,y2 (lon,lat pairs).
		q.Set("viewbox", fmt.Sprintf("%v,%v,%v,%v",
			box.TopLeft.Long, box.TopLeft.Lat, box.BottomRight.Long, box.BottomRight.Lat))
		q.Set("bounded", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("geo: new request: %w", err)
	}
	req.Header.Set("User-Agent", "kodomiya/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("geo: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("geo: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var hits []nominatimHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return Result{}, fmt.Errorf("geo: decode response: %w", err)
	}
	if len(hits) == 0 {
		return Result{}, ErrNoResult
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return Result{}, fmt.Errorf("geo: parse lat %q: %w", hits[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return Result{}, fmt.Errorf("geo: parse lon %q: %w", hits[0].Lon, err)
	}
	return Result{Latitude: lat, Longitude: lon}, nil
}

var _ Geocoder = (*Nominatim)(nil)
