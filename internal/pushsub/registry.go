package pushsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type RegistryClient interface {
	VapidPublicKey(ctx context.Context) (string, error)
	ListSubscriptions(ctx context.Context) ([]RemoteSubscription, error)
	CreateSubscription(ctx context.Context, sub Subscription) error
	ActivateByEndpoint(ctx context.Context, endpoint string) error
	Unregister(ctx context.Context, endpoint string) error
	SendTestNotification(ctx context.Context) error
}

type HTTPRegistryClient struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPRegistryClient(baseURL, token string, httpClient *http.Client) *HTTPRegistryClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRegistryClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		userAgent:  "pushrelay-agent",
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPRegistryClient) SetUserAgent(userAgent string) {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent != "" {
		c.userAgent = userAgent
	}
}

func (c *HTTPRegistryClient) VapidPublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/push-subscriptions/vapid_public_key/", nil, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.PublicKey), nil
}

func (c *HTTPRegistryClient) ListSubscriptions(ctx context.Context) ([]RemoteSubscription, error) {
	var raw json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/api/push-subscriptions/", nil, &raw)
	if err != nil {
		return nil, err
	}
	return parseSubscriptionList(raw)
}

func (c *HTTPRegistryClient) CreateSubscription(ctx context.Context, sub Subscription) error {
	body := map[string]string{
		"endpoint":   sub.Endpoint,
		"p256dh":     sub.P256dh,
		"auth":       sub.Auth,
		"user_agent": sub.UserAgent,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/push-subscriptions/", body, nil)
}

func (c *HTTPRegistryClient) ActivateByEndpoint(ctx context.Context, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return c.doJSON(ctx, http.MethodPost, "/api/push-subscriptions/activate_by_endpoint/", body, nil)
}

func (c *HTTPRegistryClient) Unregister(ctx context.Context, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return c.doJSON(ctx, http.MethodPost, "/api/push-subscriptions/unregister/", body, nil)
}

func (c *HTTPRegistryClient) SendTestNotification(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/push-subscriptions/send_test_notification/", map[string]string{}, nil)
}

func parseSubscriptionList(raw json.RawMessage) ([]RemoteSubscription, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []RemoteSubscription
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var page struct {
		Results []RemoteSubscription `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (c *HTTPRegistryClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnreachable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusBadRequest {
			if conflict := parseEndpointConflict(payloadBytes); conflict != nil {
				return conflict
			}
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Detail
		}
		if message == "" {
			message = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func parseEndpointConflict(payload []byte) *EndpointConflictError {
	var body struct {
		Endpoint []string `json:"endpoint"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	if len(body.Endpoint) == 0 {
		return nil
	}
	return &EndpointConflictError{Messages: body.Endpoint}
}

func (c *HTTPRegistryClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
