package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/stamping"
	v1 "fidelity/shared/contracts/cardfeed/v1"
)

// FeedObserver receives connection and delivery counts (metrics).
type FeedObserver interface {
	FeedConnOpened()
	FeedConnClosed()
	FeedPushed(dropped bool)
}

// Hub tracks which connections follow which cards and fans committed
// mutations out to them. Delivery never blocks: a full queue drops.
type Hub struct {
	log *slog.Logger
	obs FeedObserver

	mu    sync.RWMutex
	cards map[string]map[string]*Client // client id -> session id -> conn
}

// NewHub constructs a Hub. obs may be nil.
func NewHub(log *slog.Logger, obs FeedObserver) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		obs:   obs,
		cards: make(map[string]map[string]*Client),
	}
}

// Subscribe adds conn to clientID's followers. The caller has already
// checked that the card belongs to conn's business.
func (h *Hub) Subscribe(clientID string, conn *Client) {
	if conn == nil || conn.SessionID == "" || clientID == "" {
		return
	}
	h.mu.Lock()
	m := h.cards[clientID]
	if m == nil {
		m = make(map[string]*Client)
		h.cards[clientID] = m
	}
	m[conn.SessionID] = conn
	h.mu.Unlock()
}

// Unsubscribe removes one subscription.
func (h *Hub) Unsubscribe(clientID, sessionID string) {
	h.mu.Lock()
	if m := h.cards[clientID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(h.cards, clientID)
		}
	}
	h.mu.Unlock()
}

// Drop removes every subscription held by conn.
func (h *Hub) Drop(conn *Client) {
	if conn == nil {
		return
	}
	for _, id := range conn.Subscriptions() {
		h.Unsubscribe(id, conn.SessionID)
	}
}

// Followers reports how many connections follow clientID.
func (h *Hub) Followers(clientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cards[clientID])
}

// LedgerChanged pushes a ledger.updated envelope to every follower of the
// mutated card in the same business.
func (h *Hub) LedgerChanged(_ context.Context, r stamping.Result) {
	now := time.Now().UTC()
	payload, err := json.Marshal(v1.LedgerUpdatedPayload{
		Op:                     string(r.Op),
		Card:                   cardState(r.Client),
		JustCompletedThreshold: r.JustCompletedThreshold,
		Message:                r.Message,
		EventID:                r.Event.ID,
		EventType:              string(r.Event.Type),
		OperatorID:             r.Event.OperatorID,
		At:                     r.Event.CreatedAt,
	})
	if err != nil {
		h.log.Error("cardfeed.encode.fail", "err", err)
		return
	}
	env := newEnvelope(v1.TypeLedgerUpdated, payload, now)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.cards[r.Client.ID] {
		if c == nil || c.BusinessID != r.Client.BusinessID {
			continue
		}
		select {
		case <-c.Done():
			continue
		default:
		}

		dropped := false
		select {
		case c.Send <- env:
		default:
			dropped = true
			h.log.Warn("cardfeed.push.dropped", "session_id", c.SessionID, "client_id", r.Client.ID)
		}
		if h.obs != nil {
			h.obs.FeedPushed(dropped)
		}
	}
}

func cardState(c ledger.Client) v1.CardState {
	return v1.CardState{
		ClientID:          c.ID,
		BusinessID:        c.BusinessID,
		Name:              c.Name,
		Stamps:            c.Stamps,
		LifetimeVisits:    c.LifetimeVisits,
		CanRedeem:         c.CanRedeem(),
		CutsLeftForReward: c.CutsLeft(),
		UpdatedAt:         c.UpdatedAt,
	}
}
