package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound is a frame received from a participant.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler processes inbound frames for one participant.
type Handler func(id int64, msg Inbound)

// IdentityFunc resolves the participant behind an upgrade request.
type IdentityFunc func(r *http.Request) (int64, error)

// Hub upgrades connections and keeps them in a Registry.
type Hub struct {
	*Registry
	param    string
	identify IdentityFunc
	onMsg    Handler
	upgrader websocket.Upgrader
}

// NewHub constructs a hub. identify may be nil, in which case the id is read from
// the param query value or its X- header.
func NewHub(name, param string, identify IdentityFunc, onMsg Handler, logger Logger) *Hub {
	h := &Hub{
		Registry: NewRegistry(name, logger),
		param:    param,
		identify: identify,
		onMsg:    onMsg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if h.identify == nil {
		h.identify = func(r *http.Request) (int64, error) { return parseIDParam(r, param) }
	}
	return h
}

// ServeHTTP handles websocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil || id == 0 {
		http.Error(w, "missing "+h.param, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("%s ws upgrade failed: %v", h.name, err)
		}
		return
	}
	h.Register(id, conn)

	go h.pingLoop(id, conn)
	go h.readLoop(id, conn)
}

func (h *Hub) pingLoop(id int64, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		current, ok := h.Lookup(id)
		if !ok || current != conn {
			return
		}
		if !h.ping(id) {
			return
		}
	}
}

func (h *Hub) readLoop(id int64, conn *websocket.Conn) {
	defer h.Unregister(id, conn)

	conn.SetReadLimit(16 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && h.logger != nil {
				h.logger.Infof("%s %d closed ws: %v", h.name, id, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		trimmed := strings.TrimSpace(string(message))
		if strings.EqualFold(trimmed, "ping") {
			h.write(id, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("pong"))
			})
			continue
		}
		if h.onMsg == nil {
			continue
		}
		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil || in.Event == "" {
			h.Send(id, "error", map[string]string{"error": "invalid message"})
			continue
		}
		h.onMsg(id, in)
	}
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	if v := r.URL.Query().Get(name); v != "" {
		return strconv.ParseInt(v, 10, 64)
	}
	hyphen := strings.ReplaceAll(name, "_", "-")
	if v := r.Header.Get(http.CanonicalHeaderKey("X-" + hyphen)); v != "" {
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, strconv.ErrSyntax
}
