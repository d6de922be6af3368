package worker

import "encoding/json"

const (
	MessageTypePushReceived   = "PUSH_NOTIFICATION_RECEIVED"
	MessageTypeOpenComunicado = "OPEN_COMUNICADO"
	MessageTypeSkipWaiting    = "SKIP_WAITING"
	MessageTypeFocusWindow    = "FOCUS_WINDOW"
)

type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
