package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/metrics"
	"github.com/peerline/peerline/internal/signal"
)

const wsWriteWait = 10 * time.Second

// sendQueueSize bounds per-connection outbound buffering. A slow reader drops
// documents rather than stalling the hub.
const sendQueueSize = 64

// Handler upgrades signaling connections and drives the handshake and read
// loop for each endpoint.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	cfg := s.hub.cfg
	ws.SetReadLimit(cfg.MaxSignalingMessageBytes)

	// Handshake: the first document must be a valid Hello within the deadline.
	_ = ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		writeClose(ws, websocket.ClosePolicyViolation, "handshake timeout")
		ws.Close()
		return
	}
	doc, err := signal.ParseDocument(raw)
	if err != nil || doc.Type != signal.KindHello {
		s.hub.metrics.Inc(metrics.MalformedDocuments)
		writeClose(ws, websocket.ClosePolicyViolation, "expected hello")
		ws.Close()
		return
	}

	resumeToken := r.URL.Query().Get("token")
	self, err := s.hub.register(*doc.Hello, resumeToken, c)
	if err != nil {
		s.hub.log.Warn("registration rejected", "err", err)
		writeClose(ws, websocket.ClosePolicyViolation, "registration rejected")
		ws.Close()
		return
	}
	endpointID := self.Id

	if !c.enqueue(signal.Envelope{Data: self}) {
		s.hub.unregister(endpointID, c)
		ws.Close()
		return
	}

	go c.writePump(cfg.WSPingInterval)
	s.readPump(c, endpointID)
}

func (s *Handler) readPump(c *wsConn, endpointID string) {
	cfg := s.hub.cfg
	defer func() {
		s.hub.unregister(endpointID, c)
		c.closeConn()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug("read error", "endpoint_id", endpointID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))

		doc, err := signal.ParseDocument(raw)
		if err != nil {
			// Malformed documents are logged and dropped; they never take the
			// connection down.
			s.hub.metrics.Inc(metrics.MalformedDocuments)
			s.hub.log.Warn("malformed document", "endpoint_id", endpointID, "err", err)
			continue
		}
		s.hub.route(endpointID, doc)
	}
}

type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func (c *wsConn) enqueue(env signal.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) closeConn() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
