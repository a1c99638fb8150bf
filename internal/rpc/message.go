// Package rpc implements the call/stream protocol between the foreground
// application and the worker.
//
// A call is a single request answered by a single reply:
//
//	-> {"id": "...", "variant": "version", "payload": {}}
//	<- {"id": "...", "variant": "version", "payload": {"version": "1.4.0"}}
//
// A stream answers with zero or more items and a terminal done payload:
//
//	<- {"id": "...", "variant": "sync", "item": {...}}
//	<- {"id": "...", "variant": "sync", "payload": {"done": true}}
//
// Failures are reported as {"id", "variant", "error": "message"}.
package rpc

import "encoding/json"

// Message is the envelope exchanged in both directions
type Message struct {
	ID      string          `json:"id"`
	Variant string          `json:"variant"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Item    json.RawMessage `json:"item,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsCall reports whether m is a well-formed inbound request
func (m Message) IsCall() bool {
	return m.ID != "" && m.Variant != "" && len(m.Payload) > 0
}

// Done is the terminal payload of a stream
type Done struct {
	Done bool `json:"done"`
}
