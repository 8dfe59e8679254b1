package api

import (
	"time"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/stamping"
)

type issueTokenRequest struct {
	BusinessID string `json:"businessId"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reused    bool      `json:"reused"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type clientResponse struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"businessId"`
	Name           string    `json:"name,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Stamps         int       `json:"stamps"`
	LifetimeVisits int       `json:"lifetimeVisits"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type eventResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OperatorID string    `json:"operatorId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type resolveResponse struct {
	Client            clientResponse `json:"client"`
	CanRedeem         bool           `json:"canRedeem"`
	CutsLeftForReward int            `json:"cutsLeftForReward"`
	Progress          string         `json:"progress"`
	TokenExpiresAt    time.Time      `json:"tokenExpiresAt"`
}

type mutationResponse struct {
	Client                 clientResponse `json:"client"`
	JustCompletedThreshold bool           `json:"justCompletedThreshold"`
	CutsLeftForReward      int            `json:"cutsLeftForReward"`
	Message                string         `json:"message"`
	Event                  eventResponse  `json:"event"`
}

type cardResponse struct {
	Client            clientResponse  `json:"client"`
	CanRedeem         bool            `json:"canRedeem"`
	CutsLeftForReward int             `json:"cutsLeftForReward"`
	Progress          string          `json:"progress"`
	History           []eventResponse `json:"history"`
}

func toClientResponse(c ledger.Client) clientResponse {
	return clientResponse{
		ID:             c.ID,
		BusinessID:     c.BusinessID,
		Name:           c.Name,
		Phone:          c.Phone,
		Stamps:         c.Stamps,
		LifetimeVisits: c.LifetimeVisits,
		UpdatedAt:      c.UpdatedAt.UTC(),
	}
}

func toEventResponse(e ledger.Event) eventResponse {
	return eventResponse{
		ID:         e.ID,
		Type:       string(e.Type),
		OperatorID: e.OperatorID,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

func toMutationResponse(r stamping.Result) mutationResponse {
	return mutationResponse{
		Client:                 toClientResponse(r.Client),
		JustCompletedThreshold: r.JustCompletedThreshold,
		CutsLeftForReward:      r.CutsLeftForReward,
		Message:                r.Message,
		Event:                  toEventResponse(r.Event),
	}
}

func toCardResponse(c stamping.Card) cardResponse {
	hist := make([]eventResponse, 0, len(c.History))
	for _, e := range c.History {
		hist = append(hist, toEventResponse(e))
	}
	return cardResponse{
		Client:            toClientResponse(c.Client),
		CanRedeem:         c.Client.CanRedeem(),
		CutsLeftForReward: c.Client.CutsLeft(),
		Progress:          ledger.ProgressMessage(c.Client.Stamps),
		History:           hist,
	}
}
