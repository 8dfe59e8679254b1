// Package audit records security-relevant operator actions: successful
// mutations, token replays, cross-business attempts and lost races.
//
// Recording is best-effort. A failing sink is logged and never surfaces
// to the request that triggered it.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	ActionStampAdded     = "stamp.added"
	ActionRedeemed       = "stamp.redeemed"
	ActionTokenIssued    = "token.issued"
	ActionTokenReplay    = "token.replay"
	ActionTokenConflict  = "token.conflict"
	ActionForbidden      = "access.forbidden"
	ActionAuthFailed     = "auth.failed"
	ActionRateLimited    = "auth.rate_limited"
	ActionCooldownDenied = "stamp.cooldown"
)

// Entry is one audit row.
type Entry struct {
	Action     string
	OperatorID string
	BusinessID string
	ClientID   string
	// TokenFP is a keyed fingerprint, never the token itself.
	TokenFP   string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Sink persists entries.
type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

// Recorder logs every entry and forwards it to an optional sink.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

// NewRecorder returns a Recorder. A nil sink only logs.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Record writes e. It never returns an error.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	r.log.Info("audit."+e.Action,
		"operator_id", e.OperatorID,
		"business_id", e.BusinessID,
		"client_id", e.ClientID,
		"token_fp", e.TokenFP,
		"ip", e.IP,
	)

	if r.sink == nil {
		return
	}
	// Detach from request cancellation so a client hang-up does not drop
	// the row, but keep it bounded.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.sink.InsertAudit(ictx, e); err != nil {
		r.log.Error("audit.insert.fail", "err", err, "action", e.Action)
	}
}
