package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/models"
)

// Event is one message pushed to every connected /ws/events client.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

const (
	pingInterval  = 25 * time.Second
	pingWriteWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isAllowedWebSocketOrigin,
}

// isAllowedWebSocketOrigin rejects cross-origin upgrade attempts while still
// allowing non-browser clients (curl, CLI watchers), which typically omit
// the Origin header entirely.
func isAllowedWebSocketOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return normalizeOriginHost(parsed.Host) == normalizeOriginHost(r.Host)
}

func normalizeOriginHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if p == "80" || p == "443" {
		return h
	}
	return net.JoinHostPort(h, p)
}

// client wraps one upgraded connection. writeMu serializes writes, since a
// ping from the hub's keepalive goroutine can race a broadcast write.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans fleet/alert/VM state changes out to every connected websocket
// client. Grounded on the teacher's agent execution server (agentexec.Server):
// same per-connection write mutex, done channel, and ping loop, stripped of
// the request/response half since the feed here is broadcast-only.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: map[*client]struct{}{}}
}

// ServeWS upgrades the request and registers the connection until it
// disconnects or the hub is told to drop it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.pingLoop(c)
	h.readLoop(c)
}

// readLoop discards anything the client sends — this feed is one-way — and
// exists purely to detect the connection closing.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast marshals the event once and fans it out to every connected
// client, dropping (and closing) any client whose write fails.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event for broadcast")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			h.drop(c)
		}
	}
}

// ClientCount reports the number of currently connected feed clients, used
// by health/debug endpoints.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// FleetHooks adapts fleet.Hooks into broadcast events without internal/fleet
// importing internal/api — the same decoupling internal/metrics uses.
func (h *Hub) FleetHooks() fleet.Hooks {
	return fleet.Hooks{
		OnProbe: func(hostID string, online bool, latency time.Duration) {
			h.Broadcast("host_probe", map[string]any{
				"host_id": hostID,
				"online":  online,
				"latency_ms": latency.Milliseconds(),
			})
		},
	}
}

// AlertHooks adapts alerts.Hooks into broadcast events the same way.
func (h *Hub) AlertHooks() alerts.Hooks {
	return alerts.Hooks{
		OnFired:    func(a *models.Alert) { h.Broadcast("alert_fired", a) },
		OnResolved: func(a *models.Alert) { h.Broadcast("alert_resolved", a) },
	}
}
