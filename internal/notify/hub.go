package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

const queueSize = 256

type envelope struct {
	UserID  string    `json:"-"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub fans fill notifications out to each user's websocket connections.
// Delivery is fire-and-forget: a full queue drops the message and a write
// error drops the connection; settlement never waits on either.
type Hub struct {
	log   zerolog.Logger
	t     *tomb.Tomb
	queue chan envelope

	mu    sync.Mutex
	conns map[string][]*client
}

// NewHub creates a hub; call Start before using it as a Notifier
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		queue: make(chan envelope, queueSize),
		conns: make(map[string][]*client),
	}
}

// Start launches the delivery loop
func (h *Hub) Start() {
	h.t = &tomb.Tomb{}
	h.t.Go(h.run)
}

// Stop shuts down the delivery loop and closes all connections
func (h *Hub) Stop() error {
	h.t.Kill(nil)
	err := h.t.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.conns {
		for _, c := range clients {
			c.conn.Close()
		}
	}
	h.conns = make(map[string][]*client)
	return err
}

func (h *Hub) run() error {
	for {
		select {
		case <-h.t.Dying():
			return nil
		case env := <-h.queue:
			h.deliver(env)
		}
	}
}

// Notify enqueues a message for the user. Never blocks: if the queue is
// full the message is dropped and logged.
func (h *Hub) Notify(userID, message string) {
	env := envelope{UserID: userID, Type: "fill", Message: message, SentAt: time.Now()}
	select {
	case h.queue <- env:
	default:
		h.log.Warn().Str("user", userID).Msg("notification queue full, dropping")
	}
}

// Register attaches a websocket connection to a user. The hub owns the
// connection from here on.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[userID] = append(h.conns[userID], &client{conn: conn})
}

func (h *Hub) deliver(env envelope) {
	h.mu.Lock()
	clients := h.conns[env.UserID]
	h.mu.Unlock()

	var broken []*client
	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteJSON(env)
		c.mu.Unlock()
		if err != nil {
			h.log.Debug().Err(err).Str("user", env.UserID).Msg("dropping websocket client")
			broken = append(broken, c)
		}
	}
	if len(broken) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.conns[env.UserID][:0]
	for _, c := range h.conns[env.UserID] {
		drop := false
		for _, b := range broken {
			if c == b {
				drop = true
				break
			}
		}
		if drop {
			c.conn.Close()
		} else {
			kept = append(kept, c)
		}
	}
	h.conns[env.UserID] = kept
}
