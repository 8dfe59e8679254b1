// Package api exposes the stamp ledger over HTTP.
//
// Operator routes authenticate the X-API-Key header and pass the resulting
// stamping.Caller explicitly; nothing reads identity from ambient state.
// Token issuance is the one public route: the client's card page calls it,
// guarded by a same-origin check and a per-IP limit.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/stamping"
	"fidelity/cmd/security/token"
)

// Authenticator resolves an API key to an operator.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (operator.Operator, error)
}

// Coordinator is the ledger surface the handlers drive.
type Coordinator interface {
	IssueToken(ctx context.Context, businessID, clientID string) (scantoken.Issued, error)
	ResolveScan(ctx context.Context, caller stamping.Caller, raw string) (stamping.Scan, error)
	AddStamp(ctx context.Context, caller stamping.Caller, req stamping.Request) (stamping.Result, error)
	Redeem(ctx context.Context, caller stamping.Caller, req stamping.Request) (stamping.Result, error)
	Card(ctx context.Context, caller stamping.Caller, clientID string) (stamping.Card, error)
}

// Handler wires HTTP endpoints to the stamping coordinator.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	coord Coordinator
	auth  Authenticator

	audit   *audit.Recorder
	fp      token.Fingerprinter
	limiter *keyedLimiter
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAudit records security-relevant outcomes. Without it entries are
// only logged.
func WithAudit(rec *audit.Recorder) HandlerOption {
	return func(h *Handler) {
		if rec != nil {
			h.audit = rec
		}
	}
}

// WithFingerprinter sets how tokens appear in audit rows.
func WithFingerprinter(fp token.Fingerprinter) HandlerOption {
	return func(h *Handler) {
		h.fp = fp
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, coord Coordinator, auth Authenticator, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if coord == nil || auth == nil {
		return nil, errors.New("api: coordinator and authenticator are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	h := &Handler{
		log:     log,
		cfg:     cfg,
		coord:   coord,
		auth:    auth,
		fp:      token.NewFingerprinter(nil),
		limiter: newKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	if h.audit == nil {
		h.audit = audit.NewRecorder(nil, log)
	}
	return h, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /v1/clients/{clientID}/token", h.limitedByIP("issue", h.handleIssueToken))
	mux.Handle("POST /v1/scan/resolve", h.authed(h.handleResolve))
	mux.Handle("POST /v1/clients/{clientID}/stamp", h.authed(h.handleAddStamp))
	mux.Handle("POST /v1/clients/{clientID}/redeem", h.authed(h.handleRedeem))
	mux.Handle("GET /v1/clients/{clientID}", h.authed(h.handleCard))
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller stamping.Caller)

// limitedByIP rate-limits an unauthenticated route per client IP.
func (h *Handler) limitedByIP(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ipString(clientIP(r, h.cfg.TrustProxy))
		if !h.allow(w, r, route+"|ip:"+ip, "", ip) {
			return
		}
		next(w, r)
	})
}

// authed verifies the operator key. Unverified attempts are limited per
// IP and claimed operator before the Argon2id check. The operator's own
// bucket is charged only after the key verifies.
func (h *Handler) authed(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(operator.HeaderAPIKey)
		ip := ipString(clientIP(r, h.cfg.TrustProxy))

		claimed, _, perr := operator.ParseKey(raw)
		key := "auth|ip:" + ip
		if perr == nil {
			key += "|op:" + claimed
		}
		if !h.allow(w, r, key, claimed, ip) {
			return
		}

		op, err := h.auth.Authenticate(r.Context(), raw)
		if err != nil {
			if errors.Is(err, operator.ErrUnauthorized) {
				h.audit.Record(r.Context(), audit.Entry{
					Action:     audit.ActionAuthFailed,
					OperatorID: claimed,
					IP:         ip,
					UserAgent:  r.UserAgent(),
				})
				writeError(w, http.StatusUnauthorized, "unauthorized", "valid API key required")
				return
			}
			h.log.Error("api.auth.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
			return
		}

		if !h.allow(w, r, "op:"+op.ID, op.ID, ip) {
			return
		}

		next(w, r, stamping.Caller{OperatorID: op.ID, BusinessID: op.BusinessID})
	})
}

// allow charges key and writes a 429 when the bucket is empty.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key, operatorID, ip string) bool {
	ok, retryAfter := h.limiter.allow(key)
	if ok {
		return true
	}
	h.audit.Record(r.Context(), audit.Entry{
		Action:     audit.ActionRateLimited,
		OperatorID: operatorID,
		IP:         ip,
		UserAgent:  r.UserAgent(),
		Meta:       map[string]any{"retry_after_s": int64(retryAfter.Seconds())},
	})
	writeRateLimited(w, retryAfter)
	return false
}

// ---- handlers ----

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("clientID"))

	if !h.issueOriginOK(r) {
		h.log.Info("api.issue.reject.origin", "origin", r.Header.Get("Origin"), "client_id", clientID)
		writeError(w, http.StatusForbidden, "forbidden_origin", "request must come from the card page")
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	businessID := strings.TrimSpace(req.BusinessID)
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "businessId is required")
		return
	}

	issued, err := h.coord.IssueToken(r.Context(), businessID, clientID)
	if err != nil {
		h.writeStampingError(w, err)
		return
	}

	h.record(r, stamping.Caller{BusinessID: businessID}, audit.ActionTokenIssued, clientID, h.fp.Fingerprint(issued.Token.Value), map[string]any{"reused": issued.Reused})
	writeJSON(w, http.StatusOK, issueTokenResponse{
		Token:     issued.Token.Value,
		ExpiresAt: issued.Token.ExpiresAt.UTC(),
		Reused:    issued.Reused,
	})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, caller stamping.Caller) {
	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	scan, err := h.coord.ResolveScan(r.Context(), caller, req.Token)
	if err != nil {
		if stamping.KindOf(err) == stamping.ErrInvalidOrExpiredToken {
			h.record(r, caller, audit.ActionTokenReplay, "", h.fingerprint(req.Token), map[string]any{"op": string(stamping.OpResolve)})
		}
		h.writeStampingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		Client:            toClientResponse(scan.Client),
		CanRedeem:         scan.CanRedeem,
		CutsLeftForReward: scan.CutsLeft,
		Progress:          progress(scan.Client.Stamps),
		TokenExpiresAt:    scan.ExpiresAt.UTC(),
	})
}

func (h *Handler) handleAddStamp(w http.ResponseWriter, r *http.Request, caller stamping.Caller) {
	h.handleMutation(w, r, caller, stamping.OpAddStamp)
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request, caller stamping.Caller) {
	h.handleMutation(w, r, caller, stamping.OpRedeem)
}

func (h *Handler) handleMutation(w http.ResponseWriter, r *http.Request, caller stamping.Caller, op stamping.Op) {
	clientID := strings.TrimSpace(r.PathValue("clientID"))

	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	sreq := stamping.Request{ClientID: clientID, Token: req.Token}
	fp := h.fingerprint(req.Token)

	var (
		res stamping.Result
		err error
	)
	if op == stamping.OpAddStamp {
		res, err = h.coord.AddStamp(r.Context(), caller, sreq)
	} else {
		res, err = h.coord.Redeem(r.Context(), caller, sreq)
	}
	if err != nil {
		if action := auditActionFor(err); action != "" {
			h.record(r, caller, action, clientID, fp, map[string]any{"op": string(op)})
		}
		h.writeStampingError(w, err)
		return
	}

	action := audit.ActionStampAdded
	if op == stamping.OpRedeem {
		action = audit.ActionRedeemed
	}
	h.record(r, caller, action, clientID, fp, map[string]any{
		"event_id": res.Event.ID,
		"stamps":   res.Client.Stamps,
	})
	writeJSON(w, http.StatusOK, toMutationResponse(res))
}

func (h *Handler) handleCard(w http.ResponseWriter, r *http.Request, caller stamping.Caller) {
	card, err := h.coord.Card(r.Context(), caller, r.PathValue("clientID"))
	if err != nil {
		if stamping.KindOf(err) == stamping.ErrForbidden {
			h.record(r, caller, audit.ActionForbidden, r.PathValue("clientID"), "", map[string]any{"op": string(stamping.OpCard)})
		}
		h.writeStampingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardResponse(card))
}

// ---- helpers ----

func (h *Handler) record(r *http.Request, caller stamping.Caller, action, clientID, fp string, meta map[string]any) {
	h.audit.Record(r.Context(), audit.Entry{
		Action:     action,
		OperatorID: caller.OperatorID,
		BusinessID: caller.BusinessID,
		ClientID:   clientID,
		TokenFP:    fp,
		IP:         ipString(clientIP(r, h.cfg.TrustProxy)),
		UserAgent:  r.UserAgent(),
		Meta:       meta,
	})
}

// fingerprint tolerates malformed input so garbage tokens can still be
// correlated in the audit trail.
func (h *Handler) fingerprint(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if len(raw) > token.MaxLen {
		raw = raw[:token.MaxLen]
	}
	return h.fp.Fingerprint(raw)
}

// auditActionFor names the audit action of a failed mutation, or "".
func auditActionFor(err error) string {
	switch stamping.KindOf(err) {
	case stamping.ErrTokenAlreadyConsumed:
		// Lost the consume race to a concurrent request.
		return audit.ActionTokenConflict
	case stamping.ErrInvalidOrExpiredToken:
		return audit.ActionTokenReplay
	case stamping.ErrForbidden:
		return audit.ActionForbidden
	case stamping.ErrCooldownActive:
		return audit.ActionCooldownDenied
	default:
		return ""
	}
}
