package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

type HubOptions struct {
	OnSkipWaiting func()
	Logger        Logger
}

type Hub struct {
	onSkipWaiting func()
	logger        Logger

	mu      sync.Mutex
	windows map[*wsWindow]struct{}
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		onSkipWaiting: opts.OnSkipWaiting,
		logger:        opts.Logger,
		windows:       map[*wsWindow]struct{}{},
	}
}

type wsWindow struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex
}

func (w *wsWindow) URL() string {
	return w.url
}

func (w *wsWindow) Focus(ctx context.Context) error {
	return w.PostMessage(ctx, Message{Type: MessageTypeFocusWindow})
}

func (w *wsWindow) PostMessage(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logf("websocket accept failed: %v", err)
		return
	}
	window := &wsWindow{
		conn: conn,
		url:  r.URL.Query().Get("url"),
	}
	if window.url == "" {
		window.url = r.Header.Get("Origin")
	}
	h.add(window)
	defer h.remove(window)
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.logf("window connected: %s", window.url)
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			h.logf("window disconnected: %s", window.url)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logf("invalid window message: %v", err)
			continue
		}
		if msg.Type == MessageTypeSkipWaiting && h.onSkipWaiting != nil {
			h.onSkipWaiting()
		}
	}
}

func (h *Hub) Windows(ctx context.Context) []WindowClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	windows := make([]WindowClient, 0, len(h.windows))
	for window := range h.windows {
		windows = append(windows, window)
	}
	return windows
}

func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	for _, window := range h.Windows(ctx) {
		if err := window.PostMessage(ctx, msg); err != nil {
			h.logf("broadcast to %s failed: %v", window.URL(), err)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.windows)
}

func (h *Hub) add(window *wsWindow) {
	h.mu.Lock()
	h.windows[window] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(window *wsWindow) {
	h.mu.Lock()
	delete(h.windows, window)
	h.mu.Unlock()
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
