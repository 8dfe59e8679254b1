package api

import (
	"errors"
	"net/http"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/stamping"
)

func statusFor(err error) int {
	switch stamping.KindOf(err) {
	case stamping.ErrInvalidInput:
		return http.StatusBadRequest
	case stamping.ErrNotFound:
		return http.StatusNotFound
	case stamping.ErrForbidden:
		return http.StatusForbidden
	case stamping.ErrInvalidOrExpiredToken:
		return http.StatusGone
	case stamping.ErrAlreadyAtThreshold,
		stamping.ErrInsufficientStamps,
		stamping.ErrTokenAlreadyConsumed:
		return http.StatusConflict
	case stamping.ErrCooldownActive:
		return http.StatusTooManyRequests
	case stamping.ErrTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeStampingError renders a coordinator failure. Card-state conflicts
// carry the observed stamps so the operator sees the card as it is.
func (h *Handler) writeStampingError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := apiError{Code: stamping.Code(err), Message: stamping.Message(err)}

	var se *stamping.Error
	if errors.As(err, &se) {
		if se.Snapshot != nil && (se.Kind == stamping.ErrAlreadyAtThreshold || se.Kind == stamping.ErrInsufficientStamps) {
			stamps := se.Snapshot.Stamps
			left := ledger.CutsLeft(stamps)
			body.Stamps = &stamps
			body.CutsLeftForReward = &left
		}
		if se.Kind == stamping.ErrCooldownActive {
			setRetryAfter(w, se.RetryAfter)
		}
	}
	if status == http.StatusInternalServerError {
		h.log.Error("api.unexpected_error", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func progress(stamps int) string {
	return ledger.ProgressMessage(stamps)
}
