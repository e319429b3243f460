// Package relay is the rendezvous relay: it maps endpoint identities to live
// signaling connections and forwards call documents between them. It holds no
// state beyond the in-memory endpoint map; when a call invitation targets an
// endpoint with no live connection it falls back to the push-notification
// collaborator.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/config"
	"github.com/peerline/peerline/internal/metrics"
	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/turnrest"
)

// endpointConn is the transport half of a registered endpoint. enqueue
// reports false when the connection's send queue is full or closed; the hub
// treats that as a drop, not an error.
type endpointConn interface {
	enqueue(env signal.Envelope) bool
	closeConn()
}

type endpoint struct {
	id   string
	sid  string
	name string
	room string
	conn endpointConn
}

type Hub struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	tokens   *tokenIssuer
	minter   *turnrest.Minter

	mu        sync.Mutex
	closed    bool
	endpoints map[string]*endpoint
	rooms     map[string]map[string]*endpoint
}

func NewHub(cfg config.Config, log *slog.Logger, m *metrics.Metrics, notifier Notifier) (*Hub, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}

	var minter *turnrest.Minter
	if cfg.TURNREST.Enabled() {
		var err error
		minter, err = turnrest.NewMinter(turnrest.MinterConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			URLs:           cfg.TurnURLs,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Hub{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		notifier:  notifier,
		tokens:    newTokenIssuer(cfg.SessionTokenSecret, cfg.SessionTokenTTL, nil),
		minter:    minter,
		endpoints: make(map[string]*endpoint),
		rooms:     make(map[string]map[string]*endpoint),
	}, nil
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// register binds a connection to an endpoint identity and returns the Self
// document for it. A valid resume token lets a reconnecting client keep its
// endpoint id; the session id and token always rotate. Last write wins: a
// second registration for the same id supersedes the previous connection.
func (h *Hub) register(hello signal.Hello, resumeToken string, conn endpointConn) (signal.Document, error) {
	id := ""
	name := hello.Name
	if hello.Id != "" {
		tokenID, tokenName, err := h.tokens.verify(resumeToken)
		if err != nil {
			return signal.Document{}, err
		}
		if tokenID != hello.Id {
			return signal.Document{}, ErrInvalidToken
		}
		id = tokenID
		if name == "" {
			name = tokenName
		}
	} else {
		id = uuid.NewString()
	}
	sid := uuid.NewString()

	token, err := h.tokens.issue(id, sid, name)
	if err != nil {
		return signal.Document{}, err
	}

	self := signal.Document{
		Type:    signal.KindSelf,
		Id:      id,
		Sid:     sid,
		Token:   token,
		Version: signal.Version,
		Stun:    h.cfg.StunURLs,
	}
	if h.minter != nil {
		creds, err := h.minter.Mint(id)
		if err != nil {
			return signal.Document{}, err
		}
		self.Turn = &signal.TurnCredentials{
			Username: creds.Username,
			Password: creds.Password,
			TTL:      creds.TTLSeconds,
			URLs:     creds.URLs,
		}
		h.metrics.Inc(metrics.TurnCredentialsSent)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return signal.Document{}, ErrHubClosed
	}
	if prev, ok := h.endpoints[id]; ok {
		h.leaveRoomLocked(prev)
		prev.conn.closeConn()
		h.metrics.Inc(metrics.EndpointsSuperseded)
	}
	h.endpoints[id] = &endpoint{id: id, sid: sid, name: name, conn: conn}
	h.mu.Unlock()

	h.metrics.Inc(metrics.EndpointsRegistered)
	h.log.Info("endpoint registered", "endpoint_id", id, "name", name, "resumed", hello.Id != "")
	return self, nil
}

// unregister unbinds an endpoint if it is still bound to this connection, and
// broadcasts a presence-left notice to the remaining endpoints.
func (h *Hub) unregister(id string, conn endpointConn) {
	h.mu.Lock()
	ep, ok := h.endpoints[id]
	if !ok || ep.conn != conn {
		h.mu.Unlock()
		return
	}
	h.leaveRoomLocked(ep)
	delete(h.endpoints, id)
	others := make([]*endpoint, 0, len(h.endpoints))
	for _, other := range h.endpoints {
		others = append(others, other)
	}
	h.mu.Unlock()

	left := signal.Envelope{Data: signal.Document{Type: signal.KindLeft, Id: id}}
	for _, other := range others {
		if !other.conn.enqueue(left) {
			h.metrics.Inc(metrics.SendQueueOverflows)
		}
	}
	h.log.Info("endpoint unregistered", "endpoint_id", id)
}

// route dispatches one inbound document from a registered endpoint.
func (h *Hub) route(fromID string, doc signal.Document) {
	switch doc.Type {
	case signal.KindAlive:
		h.metrics.Inc(metrics.KeepalivesReceived)
		h.send(fromID, signal.Envelope{Data: signal.Document{Type: signal.KindAlive, Alive: &signal.Alive{}}})
	case signal.KindRoom:
		h.handleRoom(fromID, *doc.Room)
	case signal.KindOffer, signal.KindAnswer, signal.KindCandidate, signal.KindBye, signal.KindStatus:
		h.forward(fromID, doc)
	default:
		h.metrics.Inc(metrics.DocumentsDropped)
		h.log.Warn("unroutable document", "type", doc.Type, "from", fromID)
	}
}

// forward delivers an addressed document verbatim, wrapped in a From
// envelope. An unreachable destination triggers the push collaborator for
// call invitations and is silently ignored for every other kind.
func (h *Hub) forward(fromID string, doc signal.Document) {
	to := doc.To()
	if to == "" {
		h.metrics.Inc(metrics.DocumentsDropped)
		h.log.Warn("addressed document missing destination", "type", doc.Type, "from", fromID)
		return
	}

	h.mu.Lock()
	dest, ok := h.endpoints[to]
	var callerName string
	if from, fromOK := h.endpoints[fromID]; fromOK {
		callerName = from.name
	}
	h.mu.Unlock()

	if !ok {
		h.metrics.Inc(metrics.DocumentsDropped)
		if doc.Type == signal.KindOffer {
			h.metrics.Inc(metrics.PushNotifications)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.notifier.NotifyIncomingCall(ctx, to, callerName, doc.Offer.WantsVideo())
		}
		return
	}

	if !dest.conn.enqueue(signal.Envelope{From: fromID, Data: doc}) {
		h.metrics.Inc(metrics.SendQueueOverflows)
		return
	}
	h.metrics.Inc(metrics.DocumentsRouted)
}

func (h *Hub) handleRoom(fromID string, room signal.Room) {
	h.mu.Lock()
	ep, ok := h.endpoints[fromID]
	if !ok {
		h.mu.Unlock()
		return
	}

	if room.Type == signal.RoomTypeLeave {
		h.leaveRoomLocked(ep)
		h.mu.Unlock()
		return
	}

	h.leaveRoomLocked(ep)
	members := h.rooms[room.Name]
	if len(members) >= 2 {
		// A room is the rendezvous context of exactly one two-party call.
		h.mu.Unlock()
		h.metrics.Inc(metrics.DocumentsDropped)
		h.log.Warn("room full", "room", room.Name, "endpoint_id", fromID)
		return
	}
	if members == nil {
		members = make(map[string]*endpoint)
		h.rooms[room.Name] = members
	}

	roster := make([]signal.User, 0, len(members)+1)
	occupants := make([]*endpoint, 0, len(members))
	for _, other := range members {
		roster = append(roster, signal.User{Id: other.id, Name: other.name})
		occupants = append(occupants, other)
	}
	roster = append(roster, signal.User{Id: ep.id, Name: ep.name})
	members[ep.id] = ep
	ep.room = room.Name
	h.mu.Unlock()

	ep.conn.enqueue(signal.Envelope{Data: signal.Document{Type: signal.KindUsers, Users: roster}})
	joined := signal.Envelope{Data: signal.Document{Type: signal.KindJoined, Id: ep.id, Name: ep.name}}
	for _, other := range occupants {
		if !other.conn.enqueue(joined) {
			h.metrics.Inc(metrics.SendQueueOverflows)
		}
	}
}

// leaveRoomLocked removes ep from its room, notifying remaining occupants.
// Callers hold h.mu.
func (h *Hub) leaveRoomLocked(ep *endpoint) {
	if ep.room == "" {
		return
	}
	members := h.rooms[ep.room]
	delete(members, ep.id)
	if len(members) == 0 {
		delete(h.rooms, ep.room)
	}
	left := signal.Envelope{Data: signal.Document{Type: signal.KindLeft, Id: ep.id}}
	for _, other := range members {
		other.conn.enqueue(left)
	}
	ep.room = ""
}

func (h *Hub) send(toID string, env signal.Envelope) {
	h.mu.Lock()
	ep, ok := h.endpoints[toID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !ep.conn.enqueue(env) {
		h.metrics.Inc(metrics.SendQueueOverflows)
	}
}

// Close shuts down every live connection and refuses further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]endpointConn, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		conns = append(conns, ep.conn)
	}
	h.endpoints = make(map[string]*endpoint)
	h.rooms = make(map[string]map[string]*endpoint)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeConn()
	}
}
