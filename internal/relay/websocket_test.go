package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/config"
	"github.com/peerline/peerline/internal/metrics"
	"github.com/peerline/peerline/internal/signal"
)

func testServerConfig() config.Config {
	return config.Config{
		SessionTokenSecret:       "test-secret",
		SessionTokenTTL:          time.Hour,
		HandshakeTimeout:         2 * time.Second,
		WSIdleTimeout:            5 * time.Second,
		WSPingInterval:           time.Second,
		MaxSignalingMessageBytes: 64 * 1024,
		StunURLs:                 []string{"stun:stun.example.com:3478"},
	}
}

func startTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h, err := NewHub(testServerConfig(), discardLogger(), metrics.New(), nil)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeDoc(t *testing.T, ws *websocket.Conn, doc signal.Document) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) signal.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := signal.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

func handshake(t *testing.T, ws *websocket.Conn, name string) signal.Document {
	t.Helper()
	writeDoc(t, ws, signal.Document{
		Type:  signal.KindHello,
		Hello: &signal.Hello{Version: signal.Version, Name: name},
	})
	env := readEnvelope(t, ws)
	if env.Data.Type != signal.KindSelf {
		t.Fatalf("handshake: got %q, want Self", env.Data.Type)
	}
	return env.Data
}

func TestHandler_HandshakeAndAliveEcho(t *testing.T) {
	_, srv := startTestServer(t)
	ws := dial(t, srv)

	self := handshake(t, ws, "alice")
	if self.Id == "" || self.Token == "" {
		t.Fatalf("incomplete self: %+v", self)
	}

	writeDoc(t, ws, signal.Document{Type: signal.KindAlive, Alive: &signal.Alive{}})
	env := readEnvelope(t, ws)
	if env.Data.Type != signal.KindAlive {
		t.Fatalf("got %q, want Alive echo", env.Data.Type)
	}
}

func TestHandler_ForwardsOfferWithFromEnvelope(t *testing.T) {
	_, srv := startTestServer(t)
	alice := dial(t, srv)
	bob := dial(t, srv)

	aliceSelf := handshake(t, alice, "alice")
	bobSelf := handshake(t, bob, "bob")

	writeDoc(t, alice, signal.Document{
		Type:  signal.KindOffer,
		Offer: &signal.Offer{Type: "offer", Sdp: "v=0\r\n", To: bobSelf.Id, Room: "call-1"},
	})

	env := readEnvelope(t, bob)
	if env.From != aliceSelf.Id {
		t.Fatalf("From: got %q, want %q", env.From, aliceSelf.Id)
	}
	if env.Data.Type != signal.KindOffer || env.Data.Offer == nil || env.Data.Offer.Room != "call-1" {
		t.Fatalf("Data: got %+v", env.Data)
	}
}

func TestHandler_RejectsNonHelloFirstDocument(t *testing.T) {
	hub, srv := startTestServer(t)
	ws := dial(t, srv)

	writeDoc(t, ws, signal.Document{Type: signal.KindAlive, Alive: &signal.Alive{}})

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("connection survived a non-hello handshake")
	}
	if got := hub.Metrics().Get(metrics.MalformedDocuments); got != 1 {
		t.Fatalf("MalformedDocuments: got %d, want 1", got)
	}
}

func TestHandler_MalformedDocumentIsDroppedNotFatal(t *testing.T) {
	hub, srv := startTestServer(t)
	ws := dial(t, srv)
	handshake(t, ws, "alice")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"Type":"Offer"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection must stay up and keep routing.
	writeDoc(t, ws, signal.Document{Type: signal.KindAlive, Alive: &signal.Alive{}})
	env := readEnvelope(t, ws)
	if env.Data.Type != signal.KindAlive {
		t.Fatalf("got %q, want Alive echo", env.Data.Type)
	}
	if got := hub.Metrics().Get(metrics.MalformedDocuments); got != 1 {
		t.Fatalf("MalformedDocuments: got %d, want 1", got)
	}
}

func TestHandler_ResumeViaTokenQueryParam(t *testing.T) {
	_, srv := startTestServer(t)
	first := dial(t, srv)
	self := handshake(t, first, "alice")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + self.Token
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	writeDoc(t, second, signal.Document{
		Type:  signal.KindHello,
		Hello: &signal.Hello{Version: signal.Version, Id: self.Id},
	})
	env := readEnvelope(t, second)
	if env.Data.Type != signal.KindSelf {
		t.Fatalf("got %q, want Self", env.Data.Type)
	}
	if env.Data.Id != self.Id {
		t.Fatalf("Id: got %q, want %q", env.Data.Id, self.Id)
	}

	// The first connection was superseded and gets closed by the hub.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}
