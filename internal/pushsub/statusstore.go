package pushsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type StatusStore interface {
	Load() (*CachedStatus, error)
	Save(status *CachedStatus) error
	Clear() error
	Close() error
}

type JSONFileStatusStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileStatusStore(path string) *JSONFileStatusStore {
	return &JSONFileStatusStore{path: filepath.Clean(path)}
}

func (s *JSONFileStatusStore) Load() (*CachedStatus, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var status CachedStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *JSONFileStatusStore) Save(status *CachedStatus) error {
	if s == nil || status == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func (s *JSONFileStatusStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *JSONFileStatusStore) Close() error {
	return nil
}

type InMemoryStatusStore struct {
	mu     sync.Mutex
	status *CachedStatus
}

func NewInMemoryStatusStore() *InMemoryStatusStore {
	return &InMemoryStatusStore{}
}

func (s *InMemoryStatusStore) Load() (*CachedStatus, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil, nil
	}
	clone := *s.status
	return &clone, nil
}

func (s *InMemoryStatusStore) Save(status *CachedStatus) error {
	if s == nil || status == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *status
	s.status = &clone
	return nil
}

func (s *InMemoryStatusStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = nil
	return nil
}

func (s *InMemoryStatusStore) Close() error {
	return nil
}

func BuildStatusStoreFromDSN(dsn string) (StatusStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStatusStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStatusStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStatusStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported status store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return filepath.Clean(dsn), nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file status store requires a path: %s", dsn)
	}
	return filepath.Clean(path), nil
}
