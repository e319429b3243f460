// Package client maintains one persistent signaling connection to the
// rendezvous relay. It performs the Hello/Self handshake, keeps the
// connection alive, queues outbound documents across reconnects, and delivers
// inbound documents as typed events on a single channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

var (
	ErrClientClosed = errors.New("signaling client closed")
	// ErrHandshake wraps any failure between dialing and receiving Self.
	ErrHandshake = errors.New("signaling handshake failed")
)

const (
	DefaultKeepaliveInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10 * time.Second
)

type Config struct {
	// URL is the relay's websocket endpoint.
	URL       string
	UserAgent string

	KeepaliveInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	Dialer *websocket.Dialer
	Log    *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	events chan Event
	done   chan struct{}

	// writeMu serializes frames onto the websocket.
	writeMu sync.Mutex

	mu          sync.Mutex
	ws          *websocket.Conn
	session     *Session
	room        string
	displayName string
	pending     [][]byte
	connected   bool
	connecting  bool
	closed      bool
	// generation increments on every successful handshake so goroutines bound
	// to a dead connection can detect they are stale.
	generation int
	// stopConn is closed when the current connection dies; it stops that
	// connection's keepalive goroutine.
	stopConn chan struct{}
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		log:    cfg.Log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the inbound event channel. It is never closed; consumers
// should stop reading after a terminal EventDisconnected.
func (c *Client) Events() <-chan Event { return c.events }

// Session returns the current handshake identity, or nil while disconnected.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect dials the relay, performs the Hello/Self handshake and starts the
// read and keepalive loops. It is idempotent while already connected.
func (c *Client) Connect(ctx context.Context, displayName string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.displayName = displayName
	c.mu.Unlock()

	return c.connectOnce(ctx)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()
	hello := signal.Hello{
		Version: signal.Version,
		Ua:      c.cfg.UserAgent,
		Name:    c.displayName,
	}
	dialURL := c.cfg.URL
	if c.session != nil && c.session.Token != "" {
		// Resume the endpoint identity across reconnects; the relay rotates
		// the session id and token.
		hello.Id = c.session.ID
		if u, err := url.Parse(dialURL); err == nil {
			q := u.Query()
			q.Set("token", c.session.Token)
			u.RawQuery = q.Encode()
			dialURL = u.String()
		}
	}
	c.mu.Unlock()

	ws, session, err := c.handshake(ctx, dialURL, hello)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClientClosed
	}
	c.ws = ws
	c.session = &session
	c.connected = true
	c.generation++
	gen := c.generation
	stop := make(chan struct{})
	c.stopConn = stop
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Flush documents queued while disconnected, in send order.
	for _, data := range pending {
		if err := c.writeRaw(ws, data); err != nil {
			break
		}
	}

	go c.readLoop(ws, gen)
	go c.keepalive(ws, stop)

	c.emit(Event{Kind: EventConnected, Session: &session})
	return nil
}

func (c *Client) handshake(ctx context.Context, dialURL string, hello signal.Hello) (*websocket.Conn, Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := c.cfg.Dialer.DialContext(dialCtx, dialURL, nil)
	if err != nil {
		if resp != nil {
			return nil, Session{}, fmt.Errorf("%w: dial: %v (status %d)", ErrHandshake, err, resp.StatusCode)
		}
		return nil, Session{}, fmt.Errorf("%w: dial: %v", ErrHandshake, err)
	}

	helloDoc := signal.Document{Type: signal.KindHello, Hello: &hello}
	data, err := json.Marshal(helloDoc)
	if err != nil {
		ws.Close()
		return nil, Session{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, Session{}, fmt.Errorf("%w: hello: %v", ErrHandshake, err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	// Await Self; anything else before it is dropped.
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, Session{}, fmt.Errorf("%w: awaiting self: %v", ErrHandshake, err)
		}
		env, err := signal.ParseEnvelope(raw)
		if err != nil {
			c.log.Warn("malformed document during handshake", "err", err)
			continue
		}
		if env.Data.Type != signal.KindSelf {
			continue
		}
		_ = ws.SetReadDeadline(time.Time{})
		return ws, sessionFromSelf(env.Data), nil
	}
}

// Close disconnects intentionally. No reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.room = ""
	if c.stopConn != nil {
		close(c.stopConn)
		c.stopConn = nil
	}
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}
	c.emit(Event{Kind: EventDisconnected, Terminal: true})
	close(c.done)
	return nil
}

// JoinRoom joins the named room, leaving any previously held room first.
// Room membership is single-occupancy per client.
func (c *Client) JoinRoom(name string) error {
	c.mu.Lock()
	prev := c.room
	c.room = name
	c.mu.Unlock()

	if prev != "" && prev != name {
		if err := c.send(signal.Document{Type: signal.KindRoom, Room: &signal.Room{Name: prev, Type: signal.RoomTypeLeave}}); err != nil {
			return err
		}
	}
	return c.send(signal.Document{Type: signal.KindRoom, Room: &signal.Room{Name: name, Type: signal.RoomTypeJoin}})
}

// LeaveRoom leaves the currently held room; no-op when none is held.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	prev := c.room
	c.room = ""
	c.mu.Unlock()

	if prev == "" {
		return nil
	}
	return c.send(signal.Document{Type: signal.KindRoom, Room: &signal.Room{Name: prev, Type: signal.RoomTypeLeave}})
}

func (c *Client) SendOffer(to, room string, desc webrtc.SessionDescription) error {
	offer := signal.OfferFromPion(desc, to)
	offer.Room = room
	return c.send(signal.Document{Type: signal.KindOffer, Offer: &offer})
}

func (c *Client) SendAnswer(to string, desc webrtc.SessionDescription) error {
	answer := signal.AnswerFromPion(desc, to)
	return c.send(signal.Document{Type: signal.KindAnswer, Answer: &answer})
}

func (c *Client) SendCandidate(to string, init webrtc.ICECandidateInit) error {
	cand := signal.CandidateFromPion(init, to)
	return c.send(signal.Document{Type: signal.KindCandidate, Candidate: &cand})
}

func (c *Client) SendBye(to, reason string) error {
	return c.send(signal.Document{Type: signal.KindBye, Bye: &signal.Bye{To: to, Reason: reason}})
}

func (c *Client) SendStatus(to string, status json.RawMessage) error {
	return c.send(signal.Document{Type: signal.KindStatus, Status: &signal.Status{To: to, Status: status}})
}

// send serializes and transmits a document, or queues it in send order while
// the transport is down. Queued documents flush after the next Self.
func (c *Client) send(doc signal.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.connected {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	return c.writeRaw(ws, data)
}

func (c *Client) writeRaw(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	data, _ := json.Marshal(signal.Document{Type: signal.KindAlive, Alive: &signal.Alive{}})
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeRaw(ws, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		env, err := signal.ParseEnvelope(raw)
		if err != nil {
			c.log.Warn("malformed inbound document", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env signal.Envelope) {
	doc := env.Data
	switch doc.Type {
	case signal.KindOffer:
		c.emit(Event{Kind: EventOffer, From: env.From, Offer: doc.Offer})
	case signal.KindAnswer:
		c.emit(Event{Kind: EventAnswer, From: env.From, Answer: doc.Answer})
	case signal.KindCandidate:
		c.emit(Event{Kind: EventCandidate, From: env.From, Candidate: doc.Candidate})
	case signal.KindBye:
		c.emit(Event{Kind: EventBye, From: env.From, Bye: doc.Bye})
	case signal.KindStatus:
		c.emit(Event{Kind: EventStatus, From: env.From, Status: doc.Status})
	case signal.KindJoined:
		c.emit(Event{Kind: EventJoined, User: signal.User{Id: doc.Id, Name: doc.Name}})
	case signal.KindLeft:
		c.emit(Event{Kind: EventLeft, User: signal.User{Id: doc.Id}})
	case signal.KindUsers:
		c.emit(Event{Kind: EventUsers, Users: doc.Users})
	case signal.KindAlive:
		// Keepalive echo; transport-level close is authoritative, so the
		// absence of these is deliberately not acted on.
	default:
		c.log.Debug("ignoring inbound document", "type", doc.Type)
	}
}

func (c *Client) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.ws = nil
	c.room = ""
	if c.stopConn != nil {
		close(c.stopConn)
		c.stopConn = nil
	}
	c.mu.Unlock()

	c.log.Info("signaling connection lost", "err", cause)
	c.emit(Event{Kind: EventDisconnected, Terminal: false})
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff: attempt n sleeps
// base * 2^(n-1). After the configured attempt count it gives up and emits a
// terminal disconnected event.
func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay(c.cfg.ReconnectBaseDelay, attempt)):
		}

		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.connectOnce(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
	c.log.Error("reconnect attempts exhausted")
	c.emit(Event{Kind: EventDisconnected, Terminal: true})
}

func reconnectDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		// Closed while the consumer stopped reading; drop.
		select {
		case c.events <- ev:
		default:
		}
	}
}
