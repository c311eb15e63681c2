package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBuffer is the number of messages queued per client before
	// new messages are dropped for that client.
	DefaultBuffer = 64

	writeTimeout = 5 * time.Second
)

// message is the JSON document sent to UI clients.
type message struct {
	Type       string    `json:"type"`
	Progress   *Snapshot `json:"progress,omitempty"`
	Percent    float64   `json:"percent,omitempty"`
	ETASeconds *float64  `json:"eta_seconds,omitempty"`
	Line       string    `json:"line,omitempty"`
}

// Broadcaster is an Observer pushing every update to the connected
// WebSocket clients. Publishing never blocks: each client has its own
// queue, and messages for a client whose queue is full are dropped.
type Broadcaster struct {
	buffer int

	mu      sync.Mutex
	clients map[string]chan []byte
	last    []byte
}

// NewBroadcaster returns a Broadcaster queueing up to buffer messages per
// client. A non-positive buffer means DefaultBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer:  buffer,
		clients: map[string]chan []byte{},
	}
}

// OnProgress publishes s.
func (b *Broadcaster) OnProgress(s Snapshot) {
	m := message{Type: "progress", Progress: &s, Percent: s.Percent()}
	if eta, ok := s.ETA(); ok {
		secs := eta.Seconds()
		m.ETASeconds = &secs
	}
	b.publish(m, true)
}

// OnLog publishes line.
func (b *Broadcaster) OnLog(line string) {
	b.publish(message{Type: "log", Line: line}, false)
}

func (b *Broadcaster) publish(m message, keep bool) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Error("cannot marshal progress message", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if keep {
		b.last = data
	}
	for id, ch := range b.clients {
		select {
		case ch <- data:
		default:
			log.Debug("dropping progress message", "client", id)
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// subscribe registers a new client queue, primed with the last progress
// message if any.
func (b *Broadcaster) subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil {
		ch <- b.last
	}
	b.clients[id] = ch
	return id, ch
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
}

// ServeHTTP upgrades the connection to WebSocket and streams updates until
// the client goes away.
func (b *Broadcaster) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := u.Upgrade(rw, req, nil)
	if err != nil {
		log.Info("websocket upgrade failed", "from", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id, ch := b.subscribe()
	defer b.unsubscribe(id)
	log.Debug("progress client connected", "client", id, "from", req.RemoteAddr)

	// The reader only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					log.Debug("progress client read failed", "client", id, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case data := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("progress client write failed", "client", id, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}
