package worker

import (
	"io"
	"net/http"
	"strings"
	"time"
)

type ProxyOptions struct {
	Origin      string
	APIPrefix   string
	OfflinePath string
	Cache       *AssetCache
	HTTPClient  *http.Client
	Logger      Logger
}

type Proxy struct {
	origin      string
	apiPrefix   string
	offlinePath string
	cache       *AssetCache
	httpClient  *http.Client
	logger      Logger
}

func NewProxy(opts ProxyOptions) (*Proxy, error) {
	origin := strings.TrimRight(strings.TrimSpace(opts.Origin), "/")
	if origin == "" {
		origin = "http://127.0.0.1:3000"
	}
	apiPrefix := strings.TrimSpace(opts.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	offlinePath := strings.TrimSpace(opts.OfflinePath)
	if offlinePath == "" {
		offlinePath = "/index.html"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Proxy{
		origin:      origin,
		apiPrefix:   apiPrefix,
		offlinePath: offlinePath,
		cache:       opts.Cache,
		httpClient:  httpClient,
		logger:      opts.Logger,
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstreamURL := p.origin + r.URL.RequestURI()

	if r.Method != http.MethodGet {
		p.forward(w, r, upstreamURL)
		return
	}
	if strings.Contains(r.URL.Path, p.apiPrefix) {
		p.forward(w, r, upstreamURL)
		return
	}

	navigation := isNavigation(r)
	resp, err := p.fetch(r, upstreamURL)
	if err != nil {
		p.serveFallback(w, r, upstreamURL, navigation)
		return
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		p.serveFallback(w, r, upstreamURL, navigation)
		return
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		p.logf("redirect %d for %s, not caching", resp.StatusCode, upstreamURL)
		writeResponse(w, resp.StatusCode, resp.Header, body)
		return
	}

	cacheable := resp.StatusCode == http.StatusOK
	if navigation {
		cacheable = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if cacheable && p.cache != nil {
		if err := p.cache.Put(upstreamURL, CachedResponse{
			Status: resp.StatusCode,
			Header: cacheableHeader(resp.Header),
			Body:   body,
		}); err != nil {
			p.logf("cache %s failed: %v", upstreamURL, err)
		}
	}
	writeResponse(w, resp.StatusCode, resp.Header, body)
}

func (p *Proxy) fetch(r *http.Request, upstreamURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, nil)
	if err != nil {
		return nil, err
	}
	copyForwardHeaders(req.Header, r.Header)
	return p.httpClient.Do(req)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) serveFallback(w http.ResponseWriter, r *http.Request, upstreamURL string, navigation bool) {
	if p.cache != nil {
		if cached, ok := p.cache.Match(upstreamURL); ok {
			writeResponse(w, cached.Status, cached.Header, cached.Body)
			return
		}
		if navigation {
			offlineURL := p.origin + p.offlinePath
			if cached, ok := p.cache.Match(offlineURL); ok {
				writeResponse(w, cached.Status, cached.Header, cached.Body)
				return
			}
		}
	}
	if navigation {
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (p *Proxy) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func copyForwardHeaders(dst, src http.Header) {
	for _, key := range []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "Cookie", "User-Agent"} {
		if value := src.Get(key); value != "" {
			dst.Set(key, value)
		}
	}
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for key, values := range header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
