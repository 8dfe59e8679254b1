// Package ledger owns each client's stamp card: the current stamp count,
// the lifetime visit count, and the append-only history of stamp events.
//
// The store only enforces ledger arithmetic. Token rules live in
// package scantoken and the two are bound together by package stamping.
package ledger

import (
	"fmt"
	"time"
)

// Threshold is the number of paid stamps that unlock one free visit.
const Threshold = 5

// HistoryLimit is the number of events shown on a card.
const HistoryLimit = 10

// EventType distinguishes paid visits from redeemed free visits.
type EventType string

const (
	EventPaid EventType = "PAID"
	EventFree EventType = "FREE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventPaid || t == EventFree
}

// Business owns clients and operators.
type Business struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Client is the ledger state of one client.
type Client struct {
	ID             string
	BusinessID     string
	Name           string
	Phone          string
	Stamps         int
	LifetimeVisits int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanRedeem reports whether the card is full.
func (c Client) CanRedeem() bool { return CanRedeem(c.Stamps) }

// CutsLeft is the number of paid stamps missing for a free visit.
func (c Client) CutsLeft() int { return CutsLeft(c.Stamps) }

// Event is one history record. Created only as a side effect of a
// successful mutation and never modified afterwards.
type Event struct {
	ID         string
	Type       EventType
	ClientID   string
	BusinessID string
	OperatorID string
	CreatedAt  time.Time
}

// CanRedeem reports whether stamps reached the threshold.
func CanRedeem(stamps int) bool {
	return stamps >= Threshold
}

// CutsLeft returns how many paid stamps are still missing, never negative.
func CutsLeft(stamps int) int {
	if stamps >= Threshold {
		return 0
	}
	if stamps < 0 {
		return Threshold
	}
	return Threshold - stamps
}

// ProgressMessage is the operator-facing status line for a card.
func ProgressMessage(stamps int) string {
	switch left := CutsLeft(stamps); left {
	case 0:
		return "Card complete: next visit is free"
	case 1:
		return "1 more visit for the free one"
	default:
		return fmt.Sprintf("%d more visits for the free one", left)
	}
}
