package pushsub

import (
	"errors"
	"fmt"
)

var (
	ErrNotSupported       = errors.New("push not supported")
	ErrConfigMissing      = errors.New("server key not configured")
	ErrPermissionDenied   = errors.New("notification permission denied")
	ErrPlatformFailure    = errors.New("push platform failure")
	ErrBackendRejected    = errors.New("registry rejected request")
	ErrBackendUnreachable = errors.New("registry unreachable")
	ErrEndpointConflict   = errors.New("endpoint already registered")
	ErrBusy               = errors.New("operation already in progress")
	ErrInvalidServerKey   = errors.New("invalid server key")
)

type AbortError struct {
	Op      string
	Message string
}

func (e *AbortError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("push service aborted %s", e.Op)
	}
	return fmt.Sprintf("push service aborted %s: %s", e.Op, e.Message)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrPlatformFailure
}

type EndpointConflictError struct {
	Endpoint string
	Messages []string
}

func (e *EndpointConflictError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("endpoint conflict: %s", e.Messages[0])
	}
	return "endpoint conflict"
}

func (e *EndpointConflictError) Is(target error) bool {
	return target == ErrEndpointConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrBackendRejected
}
