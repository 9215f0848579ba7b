package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"blelink/internal/device"
)

// stateMessage is the WebSocket frame for a state transition.
type stateMessage struct {
	Type  string       `json:"type"`
	State device.State `json:"state"`
}

// streamHub fans connection-state transitions out to WebSocket clients.
// Unlike a general event bus it carries exactly one message shape, so
// marshaling happens once per transition, not per client.
type streamHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	join        chan *streamClient
	leave       chan *streamClient
	transitions chan device.State

	done     chan struct{}
	stopOnce sync.Once
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newStreamHub(logger *slog.Logger) *streamHub {
	return &streamHub{
		logger:      logger,
		clients:     make(map[*streamClient]struct{}),
		join:        make(chan *streamClient),
		leave:       make(chan *streamClient),
		transitions: make(chan device.State, 64),
		done:        make(chan struct{}),
	}
}

// run is the hub loop. One goroutine owns the client set.
func (h *streamHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("stream client joined")

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("stream client left")

		case st := <-h.transitions:
			frame, err := json.Marshal(stateMessage{Type: "state", State: st})
			if err != nil {
				h.logger.Error("marshal state frame", "err", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					// A client that cannot keep up with state transitions
					// is evicted; it can reconnect and replay the latest.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("stream client evicted, send buffer full")
				}
			}
			h.mu.Unlock()
		}
	}
}

// stop shuts the hub down. Safe to call more than once.
func (h *streamHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// broadcast queues a transition for delivery to every client.
func (h *streamHub) broadcast(st device.State) {
	select {
	case h.transitions <- st:
	case <-h.done:
	default:
		h.logger.Warn("transition queue full, dropping state frame")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	// Replay the latest state so a fresh client renders immediately.
	if frame, err := json.Marshal(stateMessage{Type: "state", State: s.sup.State()}); err == nil {
		client.send <- frame
	}

	select {
	case s.hub.join <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go client.writePump()
	s.readPump(client)
}

func (c *streamClient) writePump() {
	for frame := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readPump(client *streamClient) {
	defer func() {
		select {
		case s.hub.leave <- client:
		case <-s.hub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// Clients only listen; reads exist to detect disconnects.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
