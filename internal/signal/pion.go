package signal

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

func OfferFromPion(desc webrtc.SessionDescription, to string) Offer {
	return Offer{Type: "offer", Sdp: desc.SDP, To: to}
}

func AnswerFromPion(desc webrtc.SessionDescription, to string) Answer {
	return Answer{Type: "answer", Sdp: desc.SDP, To: to}
}

func (o Offer) ToPion() (webrtc.SessionDescription, error) {
	if o.Type != "offer" {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", o.Type)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.Sdp}, nil
}

func (a Answer) ToPion() (webrtc.SessionDescription, error) {
	if a.Type != "answer" {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", a.Type)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.Sdp}, nil
}

func CandidateFromPion(init webrtc.ICECandidateInit, to string) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SdpMid:        init.SDPMid,
		SdpMLineIndex: init.SDPMLineIndex,
		To:            to,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SdpMid,
		SDPMLineIndex: c.SdpMLineIndex,
	}
}
