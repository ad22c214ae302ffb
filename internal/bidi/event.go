package bidi

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// AllEvents subscribes a listener to every event on the connection.
const AllEvents = "*"

// Event is an asynchronous notification from the remote. It has no
// correlation to any command.
type Event struct {
	Name      string          `json:"name"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Get returns the payload field at path, in gjson path syntax
// (for example "request.url" or "metrics.#(name==\"Nodes\").value").
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Name, err)
	}
	return nil
}

// Listener receives events for one subscription. Listeners run on their
// subscription's own goroutine; a slow or panicking listener affects no one else.
type Listener func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
}
