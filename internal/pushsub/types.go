package pushsub

import (
	"encoding/base64"
	"fmt"
	"strings"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Subscription struct {
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	UserAgent string `json:"user_agent,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type RemoteSubscription struct {
	ID        int64  `json:"id"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	UserAgent string `json:"user_agent"`
	Active    bool   `json:"activo"`
}

type CachedStatus struct {
	Subscribed bool   `json:"subscribed"`
	Endpoint   string `json:"endpoint"`
}

const (
	serverKeyMinLength = 80
	serverKeyMaxLength = 90
	serverKeyRawBytes  = 65
)

func DecodeServerKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidServerKey)
	}
	if len(raw) < serverKeyMinLength || len(raw) > serverKeyMaxLength {
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidServerKey, len(raw))
	}
	normalized := strings.ReplaceAll(strings.ReplaceAll(raw, "-", "+"), "_", "/")
	if pad := len(normalized) % 4; pad != 0 {
		normalized += strings.Repeat("=", 4-pad)
	}
	decoded, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerKey, err)
	}
	if len(decoded) != serverKeyRawBytes {
		return nil, fmt.Errorf("%w: decodes to %d bytes, want %d", ErrInvalidServerKey, len(decoded), serverKeyRawBytes)
	}
	if decoded[0] != 0x04 {
		return nil, fmt.Errorf("%w: not an uncompressed P-256 point", ErrInvalidServerKey)
	}
	return decoded, nil
}
