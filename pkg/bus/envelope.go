// Package bus implements the runtime's message-bus abstraction: subjects
// with pub/sub, request-reply, and a KV facility with server-side TTL — the
// minimal broker contract spec.md's Bus Client needs. Concretely backed by
// PostgreSQL (LISTEN/NOTIFY for subjects, a table for KV), the same driver
// and connection-serialization discipline the teacher's pkg/events uses for
// its NOTIFY listener, since no real NATS client exists anywhere in the
// reference pack to ground a genuine NATS wiring on.
package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the self-describing message every bus publication carries.
// The bus delivers every well-formed envelope on a subject to its
// subscribers whatever its Type; each subscriber decides what to do with a
// type it does not expect (auth's reconnect watcher skips it without
// logging). Only payloads that do not decode as an Envelope are dropped,
// with a warning, before delivery.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// ReplyTo and CorrelationID are set by Request and consumed by the
	// responder's Reply; absent on ordinary publications.
	ReplyTo       string `json:"replyTo,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Known envelope types (spec §4.3's ConnectRequest/ConnectAck/ConnectReject
// and §4.1's RuntimeReconnect, plus the tools-config publications of §3).
const (
	TypeConnectRequest  = "ConnectRequest"
	TypeConnectAck      = "ConnectAck"
	TypeConnectReject   = "ConnectReject"
	TypeRuntimeReconnect = "RuntimeReconnect"
	TypeToolsConfig     = "ToolsConfig"
	TypeCallRequest     = "CallRequest"
	TypeCallResponse    = "CallResponse"
)

// NewEnvelope marshals data into an Envelope of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: marshal %s envelope: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// Decode unmarshals the envelope's Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("bus: envelope %s has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}
