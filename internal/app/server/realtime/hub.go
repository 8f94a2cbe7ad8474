// Package realtime рассылает устройствам уведомления об изменении канонического состояния
// по WebSocket, чтобы они делали pull, не дожидаясь своего интервала.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"possync/internal/app/server/api/http/apierror"
	"possync/internal/app/server/api/http/middleware/device"
	"possync/internal/domain/sync"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event сообщение, которое получает устройство
type Event struct {
	Type       string          `json:"type"`
	Collection sync.Collection `json:"collection"`
	IDs        []string        `json:"ids"`
	Origin     string          `json:"origin,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

const EventChanged = "change"

type client struct {
	deviceID    string
	collections map[sync.Collection]bool
	conn        *websocket.Conn
	send        chan []byte
}

func (c *client) wants(col sync.Collection) bool {
	return len(c.collections) == 0 || c.collections[col]
}

// Hub реестр подключенных устройств. Создается в main и закрывается при остановке сервера.
type Hub struct {
	mu       stdsync.Mutex
	clients  map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	log      *slog.Logger
}

var _ sync.ChangeNotifier = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// кассы подключаются не из браузера
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With("component", "realtime_hub"),
	}
}

// Notify рассылает событие всем устройствам, кроме источника изменения.
// Не блокируется: медленный клиент с заполненным буфером отключается.
func (h *Hub) Notify(e sync.ChangeEvent) {
	msg, err := json.Marshal(Event{
		Type:       EventChanged,
		Collection: e.Collection,
		IDs:        e.IDs,
		Origin:     e.DeviceID,
		Timestamp:  e.Timestamp,
	})
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.deviceID == e.DeviceID || !c.wants(e.Collection) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warn("client is too slow, dropping", "device_id", c.deviceID)
			h.removeLocked(c)
		}
	}
}

// Clients количество подключенных устройств
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Run ждет отмены контекста и закрывает все соединения
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.log.Info("realtime hub closed")
}

// Handler GET /sync/events?deviceId=...&collections=products,sales.
// Устройство проходит ту же проверку токена, что и в HTTP API.
func (h *Hub) Handler(registrar device.Registrar) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, registrar)
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, registrar device.Registrar) {
	deviceID := r.Header.Get(device.HeaderDeviceID)
	if deviceID == "" {
		deviceID = r.URL.Query().Get(device.QueryDeviceID)
	}
	if deviceID == "" {
		writeError(w, apierror.BadRequest(sync.CodeDeviceIDMissing, "deviceId is required"))
		return
	}
	if !device.ValidID(deviceID) {
		writeError(w, apierror.BadRequest(sync.CodeInvalidDeviceID, "device id must be a UUID v4"))
		return
	}

	token := r.Header.Get(device.HeaderDeviceToken)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if _, err := registrar.RegisterDevice(r.Context(), sync.DeviceRegistration{
		DeviceID:  deviceID,
		Token:     token,
		UserAgent: r.UserAgent(),
	}); err != nil {
		writeError(w, apierror.FromDomain(err))
		return
	}

	collections := make(map[sync.Collection]bool)
	if raw := r.URL.Query().Get("collections"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			col := sync.Collection(strings.TrimSpace(name))
			if !col.Valid() {
				writeError(w, apierror.BadRequest(sync.CodeInvalidRequest, "unknown collection "+string(col)))
				return
			}
			collections[col] = true
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	c := &client{
		deviceID:    deviceID,
		collections: collections,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.log.Info("device subscribed", "device_id", deviceID, "clients", h.Clients())

	go h.writePump(c)
	h.readPump(c)
}

// readPump читает только служебные кадры, чтобы заметить обрыв соединения
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		h.log.Info("device unsubscribed", "device_id", c.deviceID)
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", "device_id", c.deviceID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, e *apierror.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
