package pushsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func newPushService(t *testing.T) *httptest.Server {
	t.Helper()
	var counter int
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscribe" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["application_server_key"] == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		counter++
		_ = json.NewEncoder(w).Encode(map[string]string{
			"endpoint": fmt.Sprintf("http://push.local/send/ep-%d", counter),
		})
	}))
}

func TestProfileEngineSubscribePersistsRecord(t *testing.T) {
	service := newPushService(t)
	defer service.Close()

	dir := t.TempDir()
	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     dir,
		PushServiceURL: service.URL,
		UserAgent:      "test-agent",
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}

	key, err := DecodeServerKey(testServerKey())
	if err != nil {
		t.Fatalf("decode key failed: %v", err)
	}
	sub, err := engine.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		t.Fatalf("expected a complete subscription, got %+v", sub)
	}
	if sub.UserAgent != "test-agent" {
		t.Fatalf("expected user agent to be recorded, got %q", sub.UserAgent)
	}

	reopened, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     dir,
		PushServiceURL: service.URL,
	})
	if err != nil {
		t.Fatalf("reopen engine failed: %v", err)
	}
	loaded, err := reopened.Subscription(context.Background())
	if err != nil {
		t.Fatalf("load subscription failed: %v", err)
	}
	if loaded == nil || loaded.Endpoint != sub.Endpoint {
		t.Fatalf("expected persisted record %s, got %+v", sub.Endpoint, loaded)
	}
}

func TestProfileEngineSubscribeReusesExistingRecord(t *testing.T) {
	service := newPushService(t)
	defer service.Close()

	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     t.TempDir(),
		PushServiceURL: service.URL,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	key, _ := DecodeServerKey(testServerKey())
	first, err := engine.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	second, err := engine.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}
	if first.Endpoint != second.Endpoint {
		t.Fatalf("expected stable endpoint, got %s then %s", first.Endpoint, second.Endpoint)
	}
}

func TestProfileEngineSubscribeAbortsOnServiceFailure(t *testing.T) {
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer service.Close()

	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     t.TempDir(),
		PushServiceURL: service.URL,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	key, _ := DecodeServerKey(testServerKey())
	_, err = engine.Subscribe(context.Background(), key)
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if !errors.Is(err, ErrPlatformFailure) {
		t.Fatalf("expected platform failure classification, got %v", err)
	}
}

func TestProfileEngineUnsubscribeRemovesRecord(t *testing.T) {
	service := newPushService(t)
	defer service.Close()

	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     t.TempDir(),
		PushServiceURL: service.URL,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	key, _ := DecodeServerKey(testServerKey())
	if _, err := engine.Subscribe(context.Background(), key); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := engine.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if _, err := os.Stat(engine.RecordPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected record to be removed, stat err: %v", err)
	}
	if err := engine.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("expected unsubscribe without record to succeed, got %v", err)
	}
}

func TestProfileEngineSupported(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://push.example", true},
		{"http://127.0.0.1:9000", true},
		{"http://localhost:9000", true},
		{"http://push.example", false},
		{"", false},
	}
	for _, tc := range cases {
		engine, err := NewProfileEngine(ProfileEngineOptions{
			ProfileDir:     t.TempDir(),
			PushServiceURL: tc.url,
		})
		if err != nil {
			t.Fatalf("new engine for %q failed: %v", tc.url, err)
		}
		if got := engine.Supported(); got != tc.want {
			t.Fatalf("Supported() for %q = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestProfileEnginePermissionLifecycle(t *testing.T) {
	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     t.TempDir(),
		PushServiceURL: "https://push.example",
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if engine.Permission() != PermissionDefault {
		t.Fatalf("expected default permission, got %s", engine.Permission())
	}
	perm, err := engine.RequestPermission(context.Background())
	if err != nil || perm != PermissionGranted {
		t.Fatalf("expected granted, got %s %v", perm, err)
	}
	if err := engine.SetPermission(PermissionDenied); err != nil {
		t.Fatalf("set permission failed: %v", err)
	}
	perm, err = engine.RequestPermission(context.Background())
	if err != nil || perm != PermissionDenied {
		t.Fatalf("expected denial to stick, got %s %v", perm, err)
	}
}

func TestDecodeServerKey(t *testing.T) {
	if _, err := DecodeServerKey(testServerKey()); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
	if _, err := DecodeServerKey(""); !errors.Is(err, ErrInvalidServerKey) {
		t.Fatalf("expected invalid key for empty input, got %v", err)
	}
	if _, err := DecodeServerKey("short"); !errors.Is(err, ErrInvalidServerKey) {
		t.Fatalf("expected invalid key for short input, got %v", err)
	}
	raw := make([]byte, 65)
	raw[0] = 0x05
	bad := base64.RawURLEncoding.EncodeToString(raw)
	if _, err := DecodeServerKey(bad); !errors.Is(err, ErrInvalidServerKey) {
		t.Fatalf("expected invalid key for bad point prefix, got %v", err)
	}
}

func TestProfileEngineSubscribeSurfacesCorruptRecord(t *testing.T) {
	service := newPushService(t)
	defer service.Close()

	dir := t.TempDir()
	engine, err := NewProfileEngine(ProfileEngineOptions{
		ProfileDir:     dir,
		PushServiceURL: service.URL,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := os.WriteFile(engine.RecordPath(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt record failed: %v", err)
	}

	key, _ := DecodeServerKey(testServerKey())
	if _, err := engine.Subscribe(context.Background(), key); err == nil {
		t.Fatalf("expected subscribe to fail on a corrupt record")
	}
	data, err := os.ReadFile(engine.RecordPath())
	if err != nil {
		t.Fatalf("read record failed: %v", err)
	}
	if string(data) != "{not json" {
		t.Fatalf("corrupt record must not be overwritten, got %q", data)
	}
}
