// Package v1 defines the Portal auth events protocol v1.
//
// The server pushes session lifecycle events to connected clients so a
// revoked session ends in every open context without waiting for the next
// request or renewal. The package is shared by the gateway and the client.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "portal.authevents.v1"

// Type constants (wire-stable).
const (
	// TypeHello asks the server to repeat the handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the authenticated identity (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionRevoked reports that one session ended (server -> client).
	TypeSessionRevoked = "session.revoked"
	// TypeSessionsRevokedAll reports that every session of the user ended.
	TypeSessionsRevokedAll = "sessions.revoked_all"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionRevoked,
		TypeSessionsRevokedAll,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Revocation reports whether the envelope ends the given session.
func (e Envelope) Revocation(sessionID string) bool {
	switch e.Type {
	case TypeSessionsRevokedAll:
		return true
	case TypeSessionRevoked:
		var p SessionRevokedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return false
		}
		return p.SessionID == sessionID
	default:
		return false
	}
}
