package store

import "github.com/goccy/go-json"

// Wire operations between a Remote client and the hub. One JSON object per
// websocket text frame.
const (
	OpWrite       = "write"
	OpRead        = "read"
	OpAppend      = "append"
	OpDelete      = "delete"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	// MsgResult answers the request with the same ID.
	MsgResult = "result"
	// MsgSnapshot carries a subscription delivery; ID is the subscription id.
	MsgSnapshot = "snapshot"
)

type Message struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Exists bool            `json:"exists,omitempty"`
	Key    string          `json:"key,omitempty"`
	Error  string          `json:"error,omitempty"`
}
