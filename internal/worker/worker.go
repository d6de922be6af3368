package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type LifecycleState string

const (
	LifecycleInstalling LifecycleState = "installing"
	LifecycleWaiting    LifecycleState = "waiting"
	LifecycleActive     LifecycleState = "active"
)

type Options struct {
	Origin       string
	APIPrefix    string
	OfflinePath  string
	CacheRoot    string
	CacheVersion string
	PrecacheURLs []string
	Notifier     Notifier
	OpenWindow   func(ctx context.Context, url string) error
	HTTPClient   *http.Client
	Logger       Logger
	MaxPushBody  int64
}

type Worker struct {
	cache      *AssetCache
	proxy      *Proxy
	dispatcher *Dispatcher
	hub        *Hub
	origin     string
	precache   []string
	httpClient *http.Client
	logger     Logger
	maxBody    int64

	mu    sync.Mutex
	state LifecycleState
}

func DefaultPrecacheURLs() []string {
	return []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/icons/web-app-manifest-192x192.png",
		"/icons/web-app-manifest-512x512.png",
	}
}

func New(opts Options) (*Worker, error) {
	cache, err := NewAssetCache(opts.CacheRoot, opts.CacheVersion)
	if err != nil {
		return nil, err
	}
	proxy, err := NewProxy(ProxyOptions{
		Origin:      opts.Origin,
		APIPrefix:   opts.APIPrefix,
		OfflinePath: opts.OfflinePath,
		Cache:       cache,
		HTTPClient:  opts.HTTPClient,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cache:      cache,
		proxy:      proxy,
		origin:     strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		precache:   opts.PrecacheURLs,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		maxBody:    opts.MaxPushBody,
		state:      LifecycleInstalling,
	}
	if w.precache == nil {
		w.precache = DefaultPrecacheURLs()
	}
	if w.maxBody <= 0 {
		w.maxBody = 64 << 10
	}
	w.hub = NewHub(HubOptions{
		OnSkipWaiting: func() {
			if err := w.Activate(context.Background()); err != nil {
				w.logf("activate after skip waiting failed: %v", err)
			}
		},
		Logger: opts.Logger,
	})
	dispatcher, err := NewDispatcher(DispatcherOptions{
		Notifier:    opts.Notifier,
		Broadcaster: w.hub,
		Windows:     w.hub,
		Origin:      opts.Origin,
		OpenWindow:  opts.OpenWindow,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	w.dispatcher = dispatcher
	return w, nil
}

func (w *Worker) Cache() *AssetCache {
	return w.cache
}

func (w *Worker) Hub() *Hub {
	return w.hub
}

func (w *Worker) State() LifecycleState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state LifecycleState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) Install(ctx context.Context) error {
	w.setState(LifecycleInstalling)
	client := w.httpClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cached := w.cache.Precache(ctx, client, w.origin, w.precache, w.logger)
	w.logf("precached %d of %d assets into %s", cached, len(w.precache), w.cache.Name())
	if w.cache.HasStaleVersions() {
		w.setState(LifecycleWaiting)
		return nil
	}
	return w.Activate(ctx)
}

func (w *Worker) Activate(ctx context.Context) error {
	removed, err := w.cache.Purge()
	if err != nil {
		return err
	}
	for _, name := range removed {
		w.logf("deleted stale cache %s", name)
	}
	w.setState(LifecycleActive)
	return nil
}

func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{
			"status":  "ok",
			"state":   string(w.State()),
			"cache":   w.cache.Name(),
			"windows": w.hub.Count(),
		})
	})
	mux.Handle("/ws", w.hub)
	mux.HandleFunc("/push", w.handlePush)
	mux.HandleFunc("/notifications/click", w.handleNotificationClick)
	mux.Handle("/", w.proxy)
	return mux
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, w.maxBody+1))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > w.maxBody {
		http.Error(rw, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	notification, err := w.dispatcher.HandlePush(r.Context(), body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if notification == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusAccepted, notification)
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Action string           `json:"action"`
		Data   NotificationData `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, w.maxBody)).Decode(&req); err != nil {
		http.Error(rw, "invalid body", http.StatusBadRequest)
		return
	}
	if err := w.dispatcher.HandleClick(r.Context(), req.Action, req.Data); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func writeJSON(rw http.ResponseWriter, status int, payload any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(payload)
}
