// Package fetch retrieves listing pages over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PageFetcher returns the HTML of one paginated listing page. The scrape
// runner depends on this seam; tests substitute a canned-page fake.
type PageFetcher interface {
	FetchPage(ctx context.Context, baseURL, paginationParam string, page int) (string, error)
}

// Loader fetches pages with a consistent timeout and User-Agent policy.
type Loader struct {
	client  *http.Client
	timeout time.Duration
}

// NewLoader creates a Loader. If client is nil, http.DefaultClient is used.
func NewLoader(client *http.Client, timeout time.Duration) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{client: client, timeout: timeout}
}

// PageURL appends the pagination query parameter to baseURL. Existing query
// parameters on baseURL survive; the pagination parameter is overwritten.
func PageURL(baseURL, paginationParam string, page int) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set(paginationParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage implements PageFetcher.
//
// On non-2xx responses the error includes the status code and up to 4KB of
// the response body for debugging.
func (l *Loader) FetchPage(ctx context.Context, baseURL, paginationParam string, page int) (string, error) {
	pageURL, err := PageURL(baseURL, paginationParam, page)
	if err != nil {
		return "", err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "kodomiya/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}

var _ PageFetcher = (*Loader)(nil)
