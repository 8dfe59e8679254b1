package api

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	headerRequestedWith = "X-Requested-With"
	requestedWithValue  = "fidelity"
)

// sameOrigin reports whether r was sent by our own card page: it must
// carry the custom X-Requested-With header (which forces a CORS preflight
// cross-site) and either an allowlisted Origin/Referer or
// Sec-Fetch-Site: same-origin.
func (h *Handler) sameOrigin(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get(headerRequestedWith)), requestedWithValue) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Sec-Fetch-Site")), "same-origin") {
		return true
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		origin = refererOrigin(r.Header.Get("Referer"))
	}
	if origin == "" {
		return false
	}
	for _, a := range h.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), origin) {
			return true
		}
	}
	return false
}

// issueOriginOK always demands the X-Requested-With marker, which browsers
// cannot send cross-site without a preflight. With SameOriginEnforce the
// full sameOrigin check applies.
func (h *Handler) issueOriginOK(r *http.Request) bool {
	if h.cfg.SameOriginEnforce {
		return h.sameOrigin(r)
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(headerRequestedWith)), requestedWithValue)
}

func refererOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
