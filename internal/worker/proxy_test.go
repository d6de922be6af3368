package worker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestProxy(t *testing.T, origin string) (*Proxy, *AssetCache) {
	t.Helper()
	cache, err := NewAssetCache(t.TempDir(), "v1")
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	proxy, err := NewProxy(ProxyOptions{Origin: origin, Cache: cache})
	if err != nil {
		t.Fatalf("new proxy failed: %v", err)
	}
	return proxy, cache
}

func TestProxyServesAndCachesSubresources(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('hola')"))
	}))
	proxy, cache := newTestProxy(t, upstream.URL)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := cache.Match(upstream.URL + "/static/app.js"); !ok {
		t.Fatalf("expected successful response to be cached")
	}

	upstream.Close()
	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached fallback 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "console.log('hola')" {
		t.Fatalf("unexpected cached body %q", body)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single upstream hit, got %d", hits.Load())
	}
}

func TestProxyNavigationFallsBackToOfflinePage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>inicio</html>"))
	}))
	proxy, cache := newTestProxy(t, upstream.URL)

	_ = cache.Put(upstream.URL+"/index.html", CachedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<html>offline</html>"),
	})
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/comunicados/7", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected offline page 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "<html>offline</html>" {
		t.Fatalf("unexpected offline body %q", body)
	}
}

func TestProxyNavigationWithoutCacheReportsOffline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	proxy, _ := newTestProxy(t, upstream.URL)
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/comunicados", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when offline with empty cache, got %d", rec.Code)
	}
}

func TestProxyDoesNotCacheRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer upstream.Close()
	proxy, cache := newTestProxy(t, upstream.URL)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/perfil", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 passthrough, got %d", rec.Code)
	}
	if _, ok := cache.Match(upstream.URL + "/perfil"); ok {
		t.Fatalf("redirects must not be cached")
	}
}

func TestProxyPassesAPIRequestsThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	proxy, cache := newTestProxy(t, upstream.URL)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/comunicados/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := cache.Match(upstream.URL + "/api/comunicados/"); ok {
		t.Fatalf("api responses must not be cached")
	}
}

func TestProxyForwardsAllHeadersOnPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Csrf-Token"); got != "token-abc" {
			t.Errorf("expected csrf token to be forwarded, got %q", got)
		}
		if got := r.Header.Get("X-Request-Id"); got != "req-7" {
			t.Errorf("expected request id to be forwarded, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	proxy, _ := newTestProxy(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/api/pagos/", nil)
	req.Header.Set("X-Csrf-Token", "token-abc")
	req.Header.Set("X-Request-Id", "req-7")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProxyForwardsPostBodies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"monto":100}` {
			t.Errorf("unexpected forwarded body %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()
	proxy, cache := newTestProxy(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/pagos", strings.NewReader(`{"monto":100}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if _, ok := cache.Match(upstream.URL + "/pagos"); ok {
		t.Fatalf("non-GET responses must not be cached")
	}
}
