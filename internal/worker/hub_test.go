package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialHub(t *testing.T, server *httptest.Server, pageURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?url=" + pageURL
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d windows, have %d", want, hub.Count())
}

func TestHubBroadcastReachesConnectedWindows(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "http://app.local/inicio")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, hub, 1)

	windows := hub.Windows(context.Background())
	if len(windows) != 1 || windows[0].URL() != "http://app.local/inicio" {
		t.Fatalf("unexpected windows %+v", windows)
	}

	hub.Broadcast(context.Background(), Message{Type: MessageTypePushReceived, Data: json.RawMessage(`{"type":"pago"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Type != MessageTypePushReceived {
		t.Fatalf("unexpected message type %q", msg.Type)
	}
}

func TestHubSkipWaitingTriggersCallback(t *testing.T) {
	skipped := make(chan struct{}, 1)
	hub := NewHub(HubOptions{OnSkipWaiting: func() {
		select {
		case skipped <- struct{}{}:
		default:
		}
	}})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "http://app.local/")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"SKIP_WAITING"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-skipped:
	case <-time.After(2 * time.Second):
		t.Fatalf("skip waiting callback never fired")
	}
}

func TestHubRemovesDisconnectedWindows(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "http://app.local/")
	waitForCount(t, hub, 1)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, hub, 0)
}
