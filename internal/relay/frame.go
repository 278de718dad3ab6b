package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

// Frame types carried in the "type" member of every wire frame.
const (
	TypeChat   = "chat"
	TypeWebRTC = "webrtc"
	TypeError  = "error"
)

// ErrorCodePersistenceFailed is sent to a chat sender when strict
// persistence drops their message.
const ErrorCodePersistenceFailed = "persistence_failed"

// Frame is a decoded inbound frame. Message is set for chat frames and Signal
// for webrtc frames; other types only carry Type.
type Frame struct {
	Type    string
	Message string
	Signal  json.RawMessage
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Signal  json.RawMessage `json:"signal"`
}

// DecodeFrame parses one inbound text frame. Unknown types decode without
// error so callers can skip them; structurally invalid frames wrap
// ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := Frame{Type: in.Type}
	switch in.Type {
	case TypeChat:
		if len(in.Message) == 0 || in.Message[0] != '"' {
			return Frame{}, fmt.Errorf("%w: chat message must be a string", ErrMalformedFrame)
		}
		if err := json.Unmarshal(in.Message, &f.Message); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	case TypeWebRTC:
		if len(in.Signal) == 0 || in.Signal[0] != '{' {
			return Frame{}, fmt.Errorf("%w: webrtc signal must be an object", ErrMalformedFrame)
		}
		f.Signal = in.Signal
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

type chatFrame struct {
	Type       string             `json:"type"`
	Message    string             `json:"message"`
	ID         int64              `json:"id,omitempty"`
	SenderID   *identity.Identity `json:"sender_id,omitempty"`
	ReceiverID *identity.Identity `json:"receiver_id,omitempty"`
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
}

type webrtcFrame struct {
	Type     string            `json:"type"`
	Signal   json.RawMessage   `json:"signal"`
	SenderID identity.Identity `json:"sender_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeChat builds an outbound chat frame. When saved is non-nil its
// metadata is included alongside the message.
func EncodeChat(content string, saved *store.Message) ([]byte, error) {
	f := chatFrame{Type: TypeChat, Message: content}
	if saved != nil {
		ts := saved.Timestamp.UTC()
		sender, receiver := saved.SenderID, saved.ReceiverID
		f.ID = saved.ID
		f.SenderID = &sender
		f.ReceiverID = &receiver
		f.Timestamp = &ts
	}
	return marshal(f)
}

// EncodeWebRTC builds an outbound signaling frame. signal is relayed as-is;
// sender is always the relay-resolved identity.
func EncodeWebRTC(signal json.RawMessage, sender identity.Identity) ([]byte, error) {
	return marshal(webrtcFrame{Type: TypeWebRTC, Signal: signal, SenderID: sender})
}

func EncodeError(code, message string) ([]byte, error) {
	return marshal(errorFrame{Type: TypeError, Code: code, Message: message})
}

// marshal encodes without HTML escaping so relayed text reaches peers
// byte-for-byte.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
