package worker

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed payload_schema.json
var payloadSchemaJSON []byte

const (
	defaultIcon     = "/icons/icon-144x144.png"
	carArrivedIcon  = "/icons/car-arrived.png"
	carDepartedIcon = "/icons/car-departed.png"
	unknownEntityID = "unknown"
)

type NotificationData struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	URL  string `json:"url"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Tag                string               `json:"tag"`
	Data               NotificationData     `json:"data"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Vibrate            []int                `json:"vibrate"`
	RequireInteraction bool                 `json:"requireInteraction"`
}

type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

type LogNotifier struct {
	Logger Logger
}

func (n *LogNotifier) Show(ctx context.Context, notification Notification) error {
	if n.Logger != nil {
		n.Logger.Printf("notification %s: %s (%s)", notification.Tag, notification.Title, notification.Body)
	}
	return nil
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message)
}

type WindowClient interface {
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg Message) error
}

type WindowList interface {
	Windows(ctx context.Context) []WindowClient
}

type DispatcherOptions struct {
	Notifier    Notifier
	Broadcaster Broadcaster
	Windows     WindowList
	Origin      string
	OpenWindow  func(ctx context.Context, url string) error
	Logger      Logger
	Now         func() time.Time
}

type Dispatcher struct {
	schema      *jsonschema.Schema
	notifier    Notifier
	broadcaster Broadcaster
	windows     WindowList
	origin      string
	openWindow  func(ctx context.Context, url string) error
	logger      Logger
	now         func() time.Time
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payloadSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-payload.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("push-payload.json")
	if err != nil {
		return nil, err
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = &LogNotifier{Logger: opts.Logger}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		schema:      schema,
		notifier:    notifier,
		broadcaster: opts.Broadcaster,
		windows:     opts.Windows,
		origin:      strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		openWindow:  opts.OpenWindow,
		logger:      opts.Logger,
		now:         now,
	}, nil
}

type pushPayload struct {
	Title      string       `json:"title"`
	Titulo     string       `json:"titulo"`
	Body       string       `json:"body"`
	Mensaje    string       `json:"mensaje"`
	Icon       string       `json:"icon"`
	Badge      string       `json:"badge"`
	Type       string       `json:"type"`
	ID         flexID       `json:"id"`
	URL        string       `json:"url"`
	VehiculoID flexID       `json:"vehiculo_id"`
	Data       *pushPayload `json:"data"`
}

type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (d *Dispatcher) HandlePush(ctx context.Context, body []byte) (*Notification, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		d.logf("push event without payload, dropping")
		return nil, nil
	}
	payload := d.parsePayload(body)
	notification := d.buildNotification(payload)
	if err := d.notifier.Show(ctx, notification); err != nil {
		return nil, fmt.Errorf("show notification: %w", err)
	}
	if d.broadcaster != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			d.broadcaster.Broadcast(ctx, Message{Type: MessageTypePushReceived, Data: raw})
		}
	}
	return &notification, nil
}

func (d *Dispatcher) parsePayload(body []byte) *pushPayload {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		d.logf("push payload is not JSON, degrading to text: %v", err)
		return d.textPayload(body)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return d.textPayload(body)
	}
	if err := d.schema.Validate(doc); err != nil {
		d.logf("push payload failed validation, degrading to text: %v", err)
		return d.textPayload(body)
	}
	return &payload
}

func (d *Dispatcher) textPayload(body []byte) *pushPayload {
	return &pushPayload{
		Title: "Nueva notificación",
		Body:  strings.TrimSpace(string(body)),
		Type:  "comunicado",
	}
}

func (d *Dispatcher) buildNotification(payload *pushPayload) Notification {
	entity := payload
	if payload.Data != nil {
		entity = payload.Data
	}
	entityType := entity.Type
	if entityType == "" {
		entityType = payload.Type
	}

	n := Notification{
		Icon:               firstNonEmpty(payload.Icon, defaultIcon),
		Badge:              firstNonEmpty(payload.Badge, defaultIcon),
		Vibrate:            []int{200, 100, 200},
		RequireInteraction: true,
	}

	rawID := string(entity.ID)
	id := rawID
	if id == "" {
		id = unknownEntityID
	}
	switch entityType {
	case "comunicado":
		n.Title = firstNonEmpty(payload.Title, payload.Titulo, "Nuevo Comunicado")
		n.Body = firstNonEmpty(payload.Body, payload.Mensaje, "Nuevo comunicado disponible")
		n.Tag = "comunicado-" + id
		n.Data = NotificationData{
			Type: "comunicado",
			ID:   id,
			URL:  firstNonEmpty(entity.URL, "/comunicados/"+rawID),
		}
		n.Actions = []NotificationAction{{Action: "view", Title: "Ver comunicado", Icon: defaultIcon}}
	case "pago":
		n.Title = firstNonEmpty(payload.Title, payload.Titulo, "Pago Confirmado")
		n.Body = firstNonEmpty(payload.Body, payload.Mensaje, "Pago confirmado")
		n.Tag = "pago-" + id
		n.Data = NotificationData{
			Type: "pago",
			ID:   id,
			URL:  firstNonEmpty(entity.URL, "/pagos"),
		}
		n.Actions = []NotificationAction{{Action: "view", Title: "Ver pago", Icon: defaultIcon}}
	case "vehiculo_entrada":
		vehicleID := string(entity.VehiculoID)
		if vehicleID == "" {
			vehicleID = unknownEntityID
		}
		n.Icon = firstNonEmpty(payload.Icon, carArrivedIcon)
		n.Title = firstNonEmpty(payload.Title, payload.Titulo, "🚗 Vehículo ha llegado")
		n.Body = firstNonEmpty(payload.Body, payload.Mensaje, "Vehículo ha llegado")
		n.Tag = "vehiculo-entrada-" + vehicleID
		n.Data = NotificationData{
			Type: "vehiculo_entrada",
			ID:   vehicleID,
			URL:  firstNonEmpty(entity.URL, vehicleURL(vehicleID)),
		}
		n.Actions = []NotificationAction{
			{Action: "view_vehiculo", Title: "Ver Vehículo", Icon: carArrivedIcon},
			{Action: "dismiss", Title: "Cerrar"},
		}
	case "vehiculo_salida":
		vehicleID := string(entity.VehiculoID)
		if vehicleID == "" {
			vehicleID = unknownEntityID
		}
		n.Icon = firstNonEmpty(payload.Icon, carDepartedIcon)
		n.Title = firstNonEmpty(payload.Title, payload.Titulo, "🚗 Vehículo se fue")
		n.Body = firstNonEmpty(payload.Body, payload.Mensaje, "Vehículo se fue")
		n.Tag = "vehiculo-salida-" + vehicleID
		n.Data = NotificationData{
			Type: "vehiculo_salida",
			ID:   vehicleID,
			URL:  firstNonEmpty(entity.URL, vehicleURL(vehicleID)),
		}
		n.Actions = []NotificationAction{
			{Action: "view_vehiculo", Title: "Ver Vehículo", Icon: carDepartedIcon},
			{Action: "dismiss", Title: "Cerrar"},
		}
	default:
		n.Title = firstNonEmpty(payload.Title, payload.Titulo, "Nueva Notificación")
		n.Body = firstNonEmpty(payload.Body, payload.Mensaje, "Nueva notificación")
		n.Tag = fmt.Sprintf("notification-%d", d.now().UnixMilli())
		n.Data = NotificationData{
			Type: firstNonEmpty(payload.Type, "general"),
			ID:   id,
			URL:  firstNonEmpty(payload.URL, "/"),
		}
	}
	return n
}

func (d *Dispatcher) HandleClick(ctx context.Context, action string, data NotificationData) error {
	if action != "" && action != "view" {
		return nil
	}
	if d.windows != nil {
		for _, window := range d.windows.Windows(ctx) {
			if d.origin != "" && !strings.Contains(window.URL(), d.origin) {
				continue
			}
			if err := window.Focus(ctx); err != nil {
				d.logf("focus window %s: %v", window.URL(), err)
				continue
			}
			if data.Type == "comunicado" && data.ID != "" && data.ID != unknownEntityID {
				return window.PostMessage(ctx, Message{Type: MessageTypeOpenComunicado, ID: data.ID})
			}
			return nil
		}
	}
	targetURL := firstNonEmpty(data.URL, "/comunicados")
	if d.openWindow != nil {
		return d.openWindow(ctx, targetURL)
	}
	d.logf("no open window, would navigate to %s", targetURL)
	return nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func vehicleURL(vehicleID string) string {
	if vehicleID == unknownEntityID {
		return "/vehiculos/"
	}
	return "/vehiculos/" + vehicleID
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
