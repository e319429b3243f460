package client

import (
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

// Session is the identity negotiated by the Hello/Self handshake. It lives
// until the transport disconnects; a reconnect negotiates a fresh one
// (resuming the endpoint id via the token).
type Session struct {
	ID      string
	SID     string
	Token   string
	Version string
	Stun    []string
	Turn    *signal.TurnCredentials
}

func sessionFromSelf(doc signal.Document) Session {
	return Session{
		ID:      doc.Id,
		SID:     doc.Sid,
		Token:   doc.Token,
		Version: doc.Version,
		Stun:    doc.Stun,
		Turn:    doc.Turn,
	}
}

// ICEServers merges the static STUN list with the dynamically issued TURN
// credentials. Empty URL entries are filtered out before the list reaches the
// underlying connection.
func (s Session) ICEServers() []webrtc.ICEServer {
	var out []webrtc.ICEServer

	stun := filterEmpty(s.Stun)
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}

	if s.Turn != nil {
		urls := filterEmpty(s.Turn.URLs)
		if len(urls) > 0 {
			out = append(out, webrtc.ICEServer{
				URLs:       urls,
				Username:   s.Turn.Username,
				Credential: s.Turn.Password,
			})
		}
	}
	return out
}

func filterEmpty(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}
