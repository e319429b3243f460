// Package signal models the rendezvous wire protocol: a closed, tagged set of
// JSON documents exchanged over a persistent WebSocket connection.
//
// This package models the protocol surface only; it carries converters to
// pion types but no connection or call logic.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Version is the signaling schema version announced in Hello and echoed in
// Self.
const Version = "1.0"

type Kind string

const (
	KindHello     Kind = "Hello"
	KindSelf      Kind = "Self"
	KindRoom      Kind = "Room"
	KindOffer     Kind = "Offer"
	KindAnswer    Kind = "Answer"
	KindCandidate Kind = "Candidate"
	KindBye       Kind = "Bye"
	KindStatus    Kind = "Status"
	KindJoined    Kind = "Joined"
	KindLeft      Kind = "Left"
	KindUsers     Kind = "Users"
	KindAlive     Kind = "Alive"
)

// Bye reasons. Any other reason string is carried verbatim but clients only
// distinguish these four.
const (
	ByeReasonBusy          = "busy"
	ByeReasonReject        = "reject"
	ByeReasonPickupTimeout = "pickuptimeout"
	ByeReasonAbort         = "abort"
)

// Room membership actions carried in Room.Type.
const (
	RoomTypeJoin  = "join"
	RoomTypeLeave = "leave"
)

type Hello struct {
	Version string `json:"Version"`
	Ua      string `json:"Ua,omitempty"`
	// Id is set when re-handshaking to resume a prior endpoint identity.
	Id   string `json:"Id,omitempty"`
	Name string `json:"Name,omitempty"`
}

// TurnCredentials are ephemeral TURN credentials minted by the relay. TTL is
// in seconds.
type TurnCredentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URLs     []string `json:"urls"`
}

type Room struct {
	Name string `json:"Name"`
	Type string `json:"Type,omitempty"`
}

type Offer struct {
	Type string `json:"Type"`
	Sdp  string `json:"Sdp"`
	To   string `json:"To,omitempty"`
	// Room names the rendezvous context the caller has joined for this call,
	// so the callee can join the same one on accept.
	Room string `json:"Room,omitempty"`
}

type Answer struct {
	Type string `json:"Type"`
	Sdp  string `json:"Sdp"`
	To   string `json:"To,omitempty"`
}

// Candidate mirrors the browser ICECandidateInit shape, plus routing.
type Candidate struct {
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SdpMid        *string `json:"sdpMid,omitempty"`
	Candidate     string  `json:"candidate"`
	To            string  `json:"To,omitempty"`
}

type Bye struct {
	To     string `json:"To,omitempty"`
	Reason string `json:"Reason,omitempty"`
}

type Status struct {
	To     string          `json:"To,omitempty"`
	Status json.RawMessage `json:"Status,omitempty"`
}

type Alive struct{}

// User describes a room occupant as reported by Joined/Users documents.
type User struct {
	Id   string `json:"Id"`
	Name string `json:"Name,omitempty"`
}

// Document is the tagged union carried on the wire. Exactly one payload field
// matching Type is populated; Self, Joined and Left carry their fields flat
// on the document itself.
type Document struct {
	Type Kind `json:"Type"`

	Hello     *Hello     `json:"Hello,omitempty"`
	Room      *Room      `json:"Room,omitempty"`
	Offer     *Offer     `json:"Offer,omitempty"`
	Answer    *Answer    `json:"Answer,omitempty"`
	Candidate *Candidate `json:"Candidate,omitempty"`
	Bye       *Bye       `json:"Bye,omitempty"`
	Status    *Status    `json:"Status,omitempty"`
	Alive     *Alive     `json:"Alive,omitempty"`
	Users     []User     `json:"Users,omitempty"`

	// Self handshake result, plus the subject of Joined/Left presence notices.
	Id      string           `json:"Id,omitempty"`
	Sid     string           `json:"Sid,omitempty"`
	Token   string           `json:"Token,omitempty"`
	Version string           `json:"Version,omitempty"`
	Turn    *TurnCredentials `json:"Turn,omitempty"`
	Stun    []string         `json:"Stun,omitempty"`
	Name    string           `json:"Name,omitempty"`
}

// Envelope is the relay-added wrapping on forwarded documents. From is the
// sending endpoint id, or empty for relay-originated documents.
type Envelope struct {
	From string   `json:"From,omitempty"`
	Data Document `json:"Data"`
}

// To returns the destination endpoint id of an addressed document, or empty
// for the unaddressed kinds (Hello, Self, Alive, Room, presence notices).
func (d Document) To() string {
	switch d.Type {
	case KindOffer:
		if d.Offer != nil {
			return d.Offer.To
		}
	case KindAnswer:
		if d.Answer != nil {
			return d.Answer.To
		}
	case KindCandidate:
		if d.Candidate != nil {
			return d.Candidate.To
		}
	case KindBye:
		if d.Bye != nil {
			return d.Bye.To
		}
	case KindStatus:
		if d.Status != nil {
			return d.Status.To
		}
	}
	return ""
}

// WantsVideo reports whether an offer SDP negotiates a video section. The
// relay uses this to classify a call invitation for push notification.
func (o Offer) WantsVideo() bool {
	return strings.Contains(o.Sdp, "m=video")
}

// ParseDocument decodes and validates a single wire document. Unknown fields
// and trailing data are rejected so malformed peers fail loudly at the parse
// boundary rather than deep in call handling.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Document{}, fmt.Errorf("unexpected trailing data")
	}
	return doc, nil
}

// ParseEnvelope decodes a relay-wrapped document.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Data.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (d Document) Validate() error {
	switch d.Type {
	case KindHello:
		if d.Hello == nil {
			return fmt.Errorf("hello document missing payload")
		}
		if d.Hello.Version == "" {
			return fmt.Errorf("hello document missing version")
		}
	case KindSelf:
		if d.Id == "" || d.Sid == "" {
			return fmt.Errorf("self document missing id/sid")
		}
	case KindRoom:
		if d.Room == nil {
			return fmt.Errorf("room document missing payload")
		}
		switch d.Room.Type {
		case "", RoomTypeJoin:
			if d.Room.Name == "" {
				return fmt.Errorf("room join missing name")
			}
		case RoomTypeLeave:
		default:
			return fmt.Errorf("unsupported room type %q", d.Room.Type)
		}
	case KindOffer:
		if d.Offer == nil {
			return fmt.Errorf("offer document missing payload")
		}
		if d.Offer.Type != "offer" {
			return fmt.Errorf("offer document has type %q", d.Offer.Type)
		}
		if d.Offer.Sdp == "" {
			return fmt.Errorf("offer document missing sdp")
		}
	case KindAnswer:
		if d.Answer == nil {
			return fmt.Errorf("answer document missing payload")
		}
		if d.Answer.Type != "answer" {
			return fmt.Errorf("answer document has type %q", d.Answer.Type)
		}
		if d.Answer.Sdp == "" {
			return fmt.Errorf("answer document missing sdp")
		}
	case KindCandidate:
		if d.Candidate == nil {
			return fmt.Errorf("candidate document missing payload")
		}
		if d.Candidate.Candidate == "" {
			return fmt.Errorf("candidate document missing candidate")
		}
	case KindBye:
		if d.Bye == nil {
			return fmt.Errorf("bye document missing payload")
		}
	case KindStatus:
		if d.Status == nil {
			return fmt.Errorf("status document missing payload")
		}
	case KindJoined, KindLeft:
		if d.Id == "" {
			return fmt.Errorf("%s document missing id", strings.ToLower(string(d.Type)))
		}
	case KindUsers:
	case KindAlive:
	default:
		return fmt.Errorf("unsupported document type %q", d.Type)
	}
	return nil
}
