package pushsub

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Engine interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Subscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, serverKey []byte) (*Subscription, error)
	Unsubscribe(ctx context.Context) error
}

type ProfileEngineOptions struct {
	ProfileDir     string
	PushServiceURL string
	UserAgent      string
	HTTPClient     *http.Client
	Logger         Logger
}

type ProfileEngine struct {
	profileDir     string
	pushServiceURL string
	userAgent      string
	httpClient     *http.Client
	logger         Logger
}

func NewProfileEngine(opts ProfileEngineOptions) (*ProfileEngine, error) {
	profileDir := strings.TrimSpace(opts.ProfileDir)
	if profileDir == "" {
		return nil, fmt.Errorf("profile dir is required")
	}
	profileDir = filepath.Clean(profileDir)
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, err
	}
	pushServiceURL := strings.TrimRight(strings.TrimSpace(opts.PushServiceURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "pushrelay-agent"
	}
	return &ProfileEngine{
		profileDir:     profileDir,
		pushServiceURL: pushServiceURL,
		userAgent:      userAgent,
		httpClient:     httpClient,
		logger:         opts.Logger,
	}, nil
}

func (e *ProfileEngine) RecordPath() string {
	return filepath.Join(e.profileDir, "subscription.json")
}

func (e *ProfileEngine) permissionPath() string {
	return filepath.Join(e.profileDir, "permission")
}

func (e *ProfileEngine) Supported() bool {
	if e.pushServiceURL == "" {
		return false
	}
	parsed, err := url.Parse(e.pushServiceURL)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "https":
		return true
	case "http":
		host := parsed.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
}

func (e *ProfileEngine) Permission() Permission {
	data, err := os.ReadFile(e.permissionPath())
	if err != nil {
		return PermissionDefault
	}
	switch Permission(strings.TrimSpace(string(data))) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

func (e *ProfileEngine) RequestPermission(ctx context.Context) (Permission, error) {
	current := e.Permission()
	if current != PermissionDefault {
		return current, nil
	}
	if err := writeFileAtomic(e.permissionPath(), []byte(PermissionGranted), 0o644); err != nil {
		return current, err
	}
	return PermissionGranted, nil
}

func (e *ProfileEngine) SetPermission(p Permission) error {
	return writeFileAtomic(e.permissionPath(), []byte(p), 0o644)
}

func (e *ProfileEngine) Subscription(ctx context.Context) (*Subscription, error) {
	data, err := os.ReadFile(e.RecordPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sub.Endpoint) == "" {
		return nil, nil
	}
	return &sub, nil
}

func (e *ProfileEngine) Subscribe(ctx context.Context, serverKey []byte) (*Subscription, error) {
	if !e.Supported() {
		return nil, ErrNotSupported
	}
	if len(serverKey) == 0 {
		return nil, ErrConfigMissing
	}
	existing, err := e.Subscription(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		return nil, err
	}
	endpoint, err := e.allocateEndpoint(ctx, serverKey)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		Endpoint:  endpoint,
		P256dh:    base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:      base64.RawURLEncoding.EncodeToString(authSecret),
		UserAgent: e.userAgent,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(e.RecordPath(), data, 0o600); err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *ProfileEngine) Unsubscribe(ctx context.Context) error {
	err := os.Remove(e.RecordPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (e *ProfileEngine) allocateEndpoint(ctx context.Context, serverKey []byte) (string, error) {
	body, err := json.Marshal(map[string]string{
		"application_server_key": base64.RawURLEncoding.EncodeToString(serverKey),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.pushServiceURL+"/subscribe", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", &AbortError{Op: "subscribe", Message: err.Error()}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", &AbortError{Op: "subscribe", Message: readErr.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AbortError{Op: "subscribe", Message: fmt.Sprintf("push service returned %d", resp.StatusCode)}
	}
	var out struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &AbortError{Op: "subscribe", Message: err.Error()}
	}
	if strings.TrimSpace(out.Endpoint) == "" {
		return "", &AbortError{Op: "subscribe", Message: "push service returned no endpoint"}
	}
	return out.Endpoint, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
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
