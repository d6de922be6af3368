package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const cacheNamePrefix = "condominio-cache"

type CachedResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt string      `json:"stored_at"`
}

type AssetCache struct {
	root    string
	version string
	mu      sync.Mutex
}

func NewAssetCache(root, version string) (*AssetCache, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = "v1"
	}
	cache := &AssetCache{root: filepath.Clean(root), version: version}
	if err := os.MkdirAll(cache.dir(), 0o755); err != nil {
		return nil, err
	}
	return cache, nil
}

func (c *AssetCache) Name() string {
	return cacheNamePrefix + "-" + c.version
}

func (c *AssetCache) Version() string {
	return c.version
}

func (c *AssetCache) dir() string {
	return filepath.Join(c.root, c.Name())
}

func (c *AssetCache) entryPath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir(), hex.EncodeToString(sum[:])+".json")
}

func (c *AssetCache) Put(rawURL string, resp CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp.URL = rawURL
	if resp.StoredAt == "" {
		resp.StoredAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.entryPath(rawURL), data, 0o644)
}

func (c *AssetCache) Match(rawURL string) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.entryPath(rawURL))
	if err != nil {
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *AssetCache) HasStaleVersions() bool {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, cacheNamePrefix+"-") && name != c.Name() {
			return true
		}
	}
	return false
}

func (c *AssetCache) Purge() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, cacheNamePrefix+"-") || name == c.Name() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func (c *AssetCache) Precache(ctx context.Context, client *http.Client, origin string, paths []string, logger Logger) int {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	cached := 0
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		rawURL := origin + path
		if err := c.precacheOne(ctx, client, rawURL); err != nil {
			if logger != nil {
				logger.Printf("precache %s failed: %v", rawURL, err)
			}
			continue
		}
		cached++
	}
	return cached
}

func (c *AssetCache) precacheOne(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return c.Put(rawURL, CachedResponse{
		Status: resp.StatusCode,
		Header: cacheableHeader(resp.Header),
		Body:   body,
	})
}

func cacheableHeader(header http.Header) http.Header {
	out := http.Header{}
	for _, key := range []string{"Content-Type", "Cache-Control", "Last-Modified", "Etag"} {
		if value := header.Get(key); value != "" {
			out.Set(key, value)
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
