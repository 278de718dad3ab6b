package relay

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
)

// SignalKind is a coarse classification of a webrtc signal payload, used for
// metrics only. Payloads are never rewritten based on it.
type SignalKind string

const (
	SignalOffer       SignalKind = "sdp_offer"
	SignalAnswer      SignalKind = "sdp_answer"
	SignalPranswer    SignalKind = "sdp_pranswer"
	SignalRollback    SignalKind = "sdp_rollback"
	SignalCandidate   SignalKind = "ice_candidate"
	SignalCallControl SignalKind = "call_control"
	SignalOther       SignalKind = "other"
)

// ClassifySignal inspects the "type" and "candidate" members of a signal.
func ClassifySignal(raw json.RawMessage) SignalKind {
	var head struct {
		Type      string          `json:"type"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return SignalOther
	}

	switch webrtc.NewSDPType(head.Type) {
	case webrtc.SDPTypeOffer:
		return SignalOffer
	case webrtc.SDPTypeAnswer:
		return SignalAnswer
	case webrtc.SDPTypePranswer:
		return SignalPranswer
	case webrtc.SDPTypeRollback:
		return SignalRollback
	}

	t := strings.ToLower(head.Type)
	switch {
	case len(head.Candidate) > 0 && string(head.Candidate) != "null",
		t == "candidate", t == "ice-candidate", t == "ice_candidate":
		return SignalCandidate
	case strings.HasPrefix(t, "call-") || strings.HasPrefix(t, "call_"):
		return SignalCallControl
	default:
		return SignalOther
	}
}
