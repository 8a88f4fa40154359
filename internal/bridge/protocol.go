package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the "type" field of a control frame.
type MessageType string

const (
	TypeRegister   MessageType = "register"
	TypeUnregister MessageType = "unregister"
	TypePublish    MessageType = "publish"
	TypeSend       MessageType = "send"
	TypePing       MessageType = "ping"

	// Frames written to the client.
	TypeReceive MessageType = "rec"
	TypeErr     MessageType = "err"
)

// Headers are the string headers of a control frame. Non-string JSON values
// are kept in their JSON text form.
type Headers map[string]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*h = nil
		return nil
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(bytes.TrimSpace(v))
	}
	*h = out
	return nil
}

// ControlMessage is one decoded client frame, or one frame to be written to
// the client.
type ControlMessage struct {
	Type         MessageType     `json:"type"`
	Address      string          `json:"address,omitempty"`
	Headers      Headers         `json:"headers,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	ReplyAddress string          `json:"replyAddress,omitempty"`
}

// ParseControlMessage decodes and validates a client frame. Every failure
// wraps ErrMalformedFrame.
func ParseControlMessage(frame []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch msg.Type {
	case TypeRegister, TypeUnregister, TypePublish, TypeSend:
		if strings.TrimSpace(msg.Address) == "" {
			return ControlMessage{}, fmt.Errorf("%w: %s without address", ErrMalformedFrame, msg.Type)
		}
	case TypePing:
	case "":
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return ControlMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, msg.Type)
	}
	if msg.ReplyAddress != "" && msg.Type != TypeSend {
		return ControlMessage{}, fmt.Errorf("%w: replyAddress only valid on send", ErrMalformedFrame)
	}
	return msg, nil
}

type deliveryFrame struct {
	Type    MessageType     `json:"type"`
	Address string          `json:"address"`
	Body    json.RawMessage `json:"body"`
	Headers Headers         `json:"headers"`
}

type errFrame struct {
	Type MessageType `json:"type"`
	ProtocolError
	Address string `json:"address,omitempty"`
}

// encodeDelivery renders a bus message as it is written to a subscriber.
func encodeDelivery(address string, headers Headers, body json.RawMessage) []byte {
	if headers == nil {
		headers = Headers{}
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	b, err := json.Marshal(deliveryFrame{Type: TypeReceive, Address: address, Body: body, Headers: headers})
	if err != nil {
		// body came off the bus as invalid JSON
		b, _ = json.Marshal(deliveryFrame{Type: TypeReceive, Address: address, Body: json.RawMessage("null"), Headers: headers})
	}
	return b
}

func encodeError(address string, f ProtocolError) []byte {
	b, _ := json.Marshal(errFrame{Type: TypeErr, ProtocolError: f, Address: address})
	return b
}
