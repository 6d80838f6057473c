// Package protocol defines the JSON message types exchanged between the
// paseo daemon and its clients over WebSocket. Every frame is a single
// UTF-8 JSON object tagged with a type; requests carry a requestId that the
// matching response echoes back.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the largest accepted inbound frame in bytes. Frames above
// this limit close the connection with code 1003.
const MaxFrameSize = 1 << 20

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a message with a marshaled payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// NewEvent creates a server-initiated event message (no requestId).
func NewEvent(eventType string, payload any) (*Message, error) {
	return NewMessage(eventType, payload)
}

// NewResponse creates a response message correlated to a request.
func NewResponse(responseType, requestID string, payload any) (*Message, error) {
	msg, err := NewMessage(responseType, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = requestID
	return msg, nil
}

// NewAck creates the minimal acknowledgement for imperative messages that
// have no dedicated response type.
func NewAck(requestID string) *Message {
	return &Message{Type: TypeAck, RequestID: requestID}
}

// NewRPCError creates an rpc_error frame for a failed request.
func NewRPCError(requestID, requestType, code, message string) (*Message, error) {
	return NewMessage(TypeRPCError, RPCError{
		RequestID:   requestID,
		RequestType: requestType,
		Code:        code,
		Message:     message,
	})
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode marshals the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and validates an inbound frame. Any error returned
// here is a protocol violation: the transport closes the connection with
// close code 1003.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame is missing type")
	}
	return &msg, nil
}

// RPCError is the payload of an rpc_error frame.
type RPCError struct {
	RequestID   string `json:"requestId"`
	RequestType string `json:"requestType"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}
