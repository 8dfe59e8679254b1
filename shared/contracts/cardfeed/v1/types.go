package v1

import "time"

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

type HelloAckPayload struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	BusinessID string `json:"business_id"`
}

// CardSubscribePayload is used by both card.subscribe and card.unsubscribe.
type CardSubscribePayload struct {
	ClientID string `json:"client_id"`
}

// CardSubscribedPayload echoes a subscription with the card as it is now.
type CardSubscribedPayload struct {
	Card CardState `json:"card"`
}

// CardState is a client's ledger as shown at the counter.
type CardState struct {
	ClientID          string    `json:"client_id"`
	BusinessID        string    `json:"business_id"`
	Name              string    `json:"name,omitempty"`
	Stamps            int       `json:"stamps"`
	LifetimeVisits    int       `json:"lifetime_visits"`
	CanRedeem         bool      `json:"can_redeem"`
	CutsLeftForReward int       `json:"cuts_left_for_reward"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LedgerUpdatedPayload describes one committed mutation.
type LedgerUpdatedPayload struct {
	Op                     string    `json:"op"`
	Card                   CardState `json:"card"`
	JustCompletedThreshold bool      `json:"just_completed_threshold"`
	Message                string    `json:"message"`
	EventID                string    `json:"event_id"`
	EventType              string    `json:"event_type"`
	OperatorID             string    `json:"operator_id,omitempty"`
	At                     time.Time `json:"at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
