package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatchBack/internal/logistics/metrics"
)

const (
	writeWait  = 20 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Logger defines minimal logging interface required by hubs.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Envelope is the frame sent to participants.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Registry maps participant ids to their live connection. One connection per id;
// registering again replaces and closes the previous one.
type Registry struct {
	name   string
	logger Logger

	mu    sync.RWMutex
	peers map[int64]*peer
}

// NewRegistry creates an empty registry.
func NewRegistry(name string, logger Logger) *Registry {
	return &Registry{name: name, logger: logger, peers: make(map[int64]*peer)}
}

// Register binds conn to id.
func (r *Registry) Register(id int64, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.peers[id]
	r.peers[id] = &peer{conn: conn}
	metrics.Connected.WithLabelValues(r.name).Set(float64(len(r.peers)))
	r.mu.Unlock()
	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
	if r.logger != nil {
		r.logger.Infof("%s %d connected", r.name, id)
	}
}

// Lookup returns the live connection of id, if any.
func (r *Registry) Lookup(id int64) (*websocket.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// Unregister removes id when it is still bound to conn. A nil conn removes unconditionally.
func (r *Registry) Unregister(id int64, conn *websocket.Conn) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok && (conn == nil || p.conn == conn) {
		delete(r.peers, id)
		metrics.Connected.WithLabelValues(r.name).Set(float64(len(r.peers)))
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		_ = p.conn.Close()
	}
}

// Len returns the number of connected participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Send writes an event to id. It returns false when id has no live connection or the
// write fails; a failed connection is dropped.
func (r *Registry) Send(id int64, event string, payload interface{}) bool {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		if r.logger != nil {
			r.logger.Errorf("%s marshal %s failed: %v", r.name, event, err)
		}
		return false
	}
	return r.write(id, func(c *websocket.Conn) error {
		return c.WriteMessage(websocket.TextMessage, data)
	})
}

func (r *Registry) ping(id int64) bool {
	return r.write(id, func(c *websocket.Conn) error {
		return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	})
}

func (r *Registry) write(id int64, fn func(*websocket.Conn) error) bool {
	r.mu.RLock()
	p := r.peers[id]
	r.mu.RUnlock()
	if p == nil {
		return false
	}

	p.mu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := fn(p.conn)
	p.mu.Unlock()
	if err != nil {
		if r.logger != nil {
			r.logger.Errorf("%s %d write failed: %v", r.name, id, err)
		}
		r.Unregister(id, p.conn)
		return false
	}
	return true
}
