// Package wire holds the protocol envelope and the transport that carries it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for frames that are neither a
// response nor an event.
var ErrMalformed = errors.New("malformed message")

// Kind classifies an incoming message.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Message is the single envelope used in both directions. Commands carry
// ID and Method, responses carry ID with Result or Error, events carry
// Method and Params.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
}

// RemoteError is the error object a remote attaches to a failed response.
type RemoteError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Kind reports whether m is a response, an event, or neither.
func (m *Message) Kind() Kind {
	switch {
	case m.ID > 0:
		return KindResponse
	case m.Method != "":
		return KindEvent
	default:
		return KindInvalid
	}
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode parses a frame. Frames that parse but carry neither an id nor a
// method are reported with ErrMalformed alongside the parsed message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.Kind() == KindInvalid {
		return &m, ErrMalformed
	}
	return &m, nil
}

// NewCommand builds a command envelope, marshaling params when present.
func NewCommand(id int64, sessionID, method string, params any) (*Message, error) {
	m := &Message{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
	}
	if params == nil {
		return m, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if len(raw) > 0 {
			m.Params = raw
		}
		return m, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	m.Params = data
	return m, nil
}
