package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestAssetCachePutAndMatch(t *testing.T) {
	cache, err := NewAssetCache(t.TempDir(), "v1")
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	url := "http://app.local/index.html"
	entry := CachedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<html></html>"),
	}
	if err := cache.Put(url, entry); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, ok := cache.Match(url)
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Status != http.StatusOK || string(got.Body) != "<html></html>" {
		t.Fatalf("unexpected cached entry: %+v", got)
	}
	if _, ok := cache.Match("http://app.local/missing"); ok {
		t.Fatalf("expected miss for unknown url")
	}
}

func TestAssetCacheName(t *testing.T) {
	cache, err := NewAssetCache(t.TempDir(), "v2")
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	if cache.Name() != "condominio-cache-v2" {
		t.Fatalf("unexpected cache name %q", cache.Name())
	}
}

func TestAssetCachePrecacheContinuesOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("asset:" + r.URL.Path))
	}))
	defer server.Close()

	cache, err := NewAssetCache(t.TempDir(), "v1")
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	cached := cache.Precache(context.Background(), server.Client(), server.URL, []string{
		"/",
		"/index.html",
		"/broken.png",
		"/manifest.json",
	}, nil)
	if cached != 3 {
		t.Fatalf("expected 3 cached assets despite one failure, got %d", cached)
	}
	if _, ok := cache.Match(server.URL + "/index.html"); !ok {
		t.Fatalf("expected index.html to be precached")
	}
	if _, ok := cache.Match(server.URL + "/broken.png"); ok {
		t.Fatalf("expected failing asset to be skipped")
	}
}

func TestAssetCachePurgeRemovesStaleVersions(t *testing.T) {
	root := t.TempDir()
	stale, err := NewAssetCache(root, "v1")
	if err != nil {
		t.Fatalf("new stale cache failed: %v", err)
	}
	_ = stale.Put("http://app.local/old", CachedResponse{Status: 200, Body: []byte("old")})

	if err := os.MkdirAll(filepath.Join(root, "unrelated"), 0o755); err != nil {
		t.Fatalf("mkdir unrelated failed: %v", err)
	}

	current, err := NewAssetCache(root, "v2")
	if err != nil {
		t.Fatalf("new current cache failed: %v", err)
	}
	if !current.HasStaleVersions() {
		t.Fatalf("expected stale versions to be detected")
	}

	removed, err := current.Purge()
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "condominio-cache-v1" {
		t.Fatalf("expected v1 cache to be removed, got %v", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "condominio-cache-v1")); !os.IsNotExist(err) {
		t.Fatalf("expected stale dir to be gone, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "unrelated")); err != nil {
		t.Fatalf("expected unrelated dir to survive, stat err: %v", err)
	}
	if current.HasStaleVersions() {
		t.Fatalf("expected no stale versions after purge")
	}
}
