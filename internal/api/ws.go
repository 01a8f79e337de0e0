package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// wsHub fans push-channel envelopes out to the browser UI's WebSocket
// clients with the same overflow contract the bus gives SSE subscribers:
// a client that cannot keep up loses sequenced frames, and the next frame
// it has room for is a resync_required envelope carrying the drop count
// and the highest missed seq, so it can refetch through the backfill API
// instead of silently showing a gap. Unsequenced activity frames are
// transient liveness pings and vanish without accounting.
//
// Architecture: a single hub goroutine handles registration,
// unregistration, and delivery, so neither the connections map nor the
// per-client drop counters need locks.
type wsHub struct {
	connections map[*wsConn]bool

	publishCh    chan feedFrame
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

// feedFrame is one marshaled envelope plus the seq it carries; seq 0
// marks unsequenced (agent_activity) frames.
type feedFrame struct {
	data []byte
	seq  int64
}

// wsConn wraps a single WebSocket connection. The drop counters are
// touched only by the hub goroutine.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.

	dropped        int64
	highestDropped int64
}

// upgrader handles HTTP → WebSocket protocol upgrade. The management port
// binds to loopback, so all origins are accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		publishCh:    make(chan feedFrame, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

// run is the main hub event loop. Runs in a background goroutine until
// the context is cancelled.
func (h *wsHub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case f := <-h.publishCh:
			for conn := range h.connections {
				h.deliver(conn, f)
			}

		case <-ctx.Done():
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// deliver hands a frame to one client. A client with pending drops gets a
// resync envelope first; if even that doesn't fit, the new frame joins
// the drop count and the marker waits for the next delivery.
func (h *wsHub) deliver(c *wsConn, f feedFrame) {
	if c.dropped > 0 {
		marker, err := event.MarshalResync(event.Resync{
			EventsDropped: c.dropped,
			LatestSeq:     c.highestDropped,
		})
		if err != nil {
			slog.Error("failed to marshal websocket resync", "error", err)
		} else {
			select {
			case c.send <- marker:
				c.dropped = 0
				c.highestDropped = 0
			default:
				c.note(f.seq)
				return
			}
		}
	}

	select {
	case c.send <- f.data:
	default:
		c.note(f.seq)
	}
}

// note records a dropped frame. Unsequenced activity frames are not
// counted — there is no history to refetch for them.
func (c *wsConn) note(seq int64) {
	if seq == 0 {
		return
	}
	c.dropped++
	if seq > c.highestDropped {
		c.highestDropped = seq
	}
}

// publish hands a frame to the hub. Blocks when the hub is saturated —
// the only publisher is the bus feeder, whose own bus subscription
// overflows (and resyncs) if it stalls here, so the accounting holds
// end to end.
func (h *wsHub) publish(data []byte, seq int64) {
	select {
	case h.publishCh <- feedFrame{data: data, seq: seq}:
	case <-h.done:
	}
}

// handleWebSocket upgrades the connection and registers the client with
// the hub. GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.registerCh <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.wsHub)
}

// writePump sends frames from the send channel to the WebSocket
// connection. Runs in a goroutine per client.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages to detect disconnection; the feed is
// one-directional (server → client).
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
