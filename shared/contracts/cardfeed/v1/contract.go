// Package v1 defines the card feed protocol v1 contract.
//
// Operators open one WebSocket per counter screen, subscribe to the cards
// they are looking at and receive a ledger.updated envelope after every
// committed stamp or redemption on those cards.
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

// Subprotocol is the WebSocket subprotocol a client must offer.
const Subprotocol = "fidelity.cardfeed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck names the session and the authenticated operator (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeCardSubscribe starts following a client's card (client -> server).
	TypeCardSubscribe = "card.subscribe"
	// TypeCardUnsubscribe stops following a card (client -> server).
	TypeCardUnsubscribe = "card.unsubscribe"
	// TypeCardSubscribed confirms a subscription with the current snapshot (server -> client).
	TypeCardSubscribed = "card.subscribed"

	// TypeLedgerUpdated is pushed after a committed mutation (server -> subscribers).
	TypeLedgerUpdated = "ledger.updated"

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
		TypeCardSubscribe,
		TypeCardUnsubscribe,
		TypeCardSubscribed,
		TypeLedgerUpdated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadJSON     = "bad_json"
	CodeBadEnvelope = "bad_envelope"
	CodeBadPayload  = "bad_payload"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeTooMany     = "too_many_subscriptions"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeUnsupported = "unsupported"
)
