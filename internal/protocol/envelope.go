package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the unit of wire communication with the daemon. Outbound
// envelopes carry Destination and RequestID; inbound envelopes carry Origin
// and, on direct responses, echo the RequestID. Unsolicited pushes have no
// RequestID. The daemon sets Ack on responses.
type Envelope struct {
	Destination string          `json:"destination,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	Command     string          `json:"command"`
	Data        json.RawMessage `json:"data,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Ack         bool            `json:"ack"`
}

// IsResponse reports whether the envelope answers a correlated request.
func (e *Envelope) IsResponse() bool {
	return e.RequestID != ""
}

// DecodeError marks a frame that could not be turned into an Envelope.
// Such frames are logged and dropped; they never reach callers.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes an envelope to a JSON text frame.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a JSON text frame into an Envelope. A frame that is not
// valid JSON or lacks a command yields a DecodeError. Known fields that
// legacy daemons emit as strings are normalized; currently that is the
// boolean success flag inside data.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.Command == "" {
		return nil, &DecodeError{Reason: "missing command"}
	}
	env.Data = normalizeSuccess(env.Data)
	return &env, nil
}

// normalizeSuccess rewrites a string-typed "success" field to a real
// boolean. Payloads are otherwise passed through untouched; numbers are
// decoded via json.Number so re-encoding never loses precision on large
// balance values.
func normalizeSuccess(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return data
	}
	s, ok := m["success"].(string)
	if !ok {
		return data
	}
	switch strings.ToLower(s) {
	case "true":
		m["success"] = true
	case "false":
		m["success"] = false
	default:
		return data
	}
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}
