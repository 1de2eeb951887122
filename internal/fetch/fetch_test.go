package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPageURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base  string
		param string
		page  int
		want  string
	}{
		{"https://example.test/venda", "pagina", 1, "https://example.test/venda?pagina=1"},
		{"https://example.test/venda", "pagina", 7, "https://example.test/venda?pagina=7"},
		{"https://example.test/venda?tipo=casa", "page", 2, "https://example.test/venda?page=2&tipo=casa"},
		// An existing pagination value is overwritten, not duplicated.
		{"https://example.test/venda?page=9", "page", 3, "https://example.test/venda?page=3"},
	}
	for _, tc := range cases {
		got, err := PageURL(tc.base, tc.param, tc.page)
		if err != nil {
			t.Fatalf("PageURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("PageURL(%q, %q, %d) = %q, want %q", tc.base, tc.param, tc.page, got, tc.want)
		}
	}
}

func TestFetchPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pagina") != "2" {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "kodomiya/") {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte("<html>page two</html>"))
	}))
	defer srv.Close()

	l := NewLoader(srv.Client(), 5*time.Second)
	html, err := l.FetchPage(context.Background(), srv.URL, "pagina", 2)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !strings.Contains(html, "page two") {
		t.Fatalf("html = %q", html)
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewLoader(srv.Client(), 5*time.Second)
	_, err := l.FetchPage(context.Background(), srv.URL, "page", 1)
	if err == nil {
		t.Fatalf("expected error on 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "gone fishing") {
		t.Fatalf("error should carry status and body: %v", err)
	}
}

func TestFetchPageContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	l := NewLoader(srv.Client(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.FetchPage(ctx, srv.URL, "page", 1); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}
