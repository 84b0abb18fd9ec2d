package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Hub is a registry of connections that broadcasts messages to all of
// them, adapted from the teacher's single event-loop-goroutine design to
// the push engine: there is no Run() to start, because nothing here
// blocks on a socket read — Register/Unregister/Broadcast just touch a
// guarded map, and each Conn's own Transport drives its Feed calls.
//
// Example usage:
//
//	hub := websocket.NewHub()
//	defer hub.Close(context.Background())
//
//	handler := websocket.HandlerFuncs{
//	    Open: func(c *websocket.Conn) { hub.Register(c) },
//	    Close: func(c *websocket.Conn, code websocket.CloseCode, reason string) { hub.Unregister(c) },
//	}
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Conn
	closed  bool
	log     zerolog.Logger
}

// NewHub creates an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*Conn),
		log:     defaultLogger,
	}
}

// SetLogger attaches a structured logger used for registration and
// broadcast-failure events.
func (h *Hub) SetLogger(l zerolog.Logger) {
	h.mu.Lock()
	h.log = l
	h.mu.Unlock()
}

// Register adds a connection to the Hub. Typically called from a
// Handler's OnOpen. A no-op once the Hub is closed.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.clients[c.ID] = c
	h.log.Debug().Str("conn", c.ID.String()).Int("clients", len(h.clients)).Msg("hub: registered")
}

// Unregister removes a connection from the Hub without closing it —
// typically called from a Handler's OnClose, where the Conn is already
// tearing itself down. Safe to call more than once for the same Conn.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	h.log.Debug().Str("conn", c.ID.String()).Int("clients", len(h.clients)).Msg("hub: unregistered")
}

// ClientCount returns the number of currently registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload as opcode to every registered connection
// concurrently, fanning the writes out with an errgroup so one slow or
// dead peer can't serialize behind another (grounded on the teacher's
// per-client goroutine dispatch in the old broadcast case, generalized
// from a fire-and-forget loop to a joined fan-out). Connections whose
// Send fails are unregistered; their own Transport read pump is
// responsible for actually closing them.
func (h *Hub) Broadcast(payload []byte, opcode Opcode) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Conn, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for _, c := range targets {
		c := c
		g.Go(func() error {
			if err := c.Send(payload, opcode); err != nil {
				h.log.Debug().Str("conn", c.ID.String()).Err(err).Msg("hub: broadcast send failed")
				h.Unregister(c)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// BroadcastText is a convenience wrapper around Broadcast for text
// messages.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast([]byte(text), OpText)
}

// Close marks the Hub closed to reject further Register/Broadcast calls,
// then unregisters and closes every connection concurrently. It returns
// ctx.Err() if ctx is done before every Conn.Close has returned.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	targets := make([]*Conn, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[uuid.UUID]*Conn)
	h.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			return c.Close(CloseGoingAway, "hub shutting down")
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
