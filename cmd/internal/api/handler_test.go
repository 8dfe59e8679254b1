package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/stamping"
	"fidelity/cmd/internal/storage"
	"fidelity/cmd/security/secret"
)

const (
	testSecret = "s3cret-s3cret-s3cret-s3cret"
	opKey      = "op1." + testSecret
)

type apiFixture struct {
	srv *httptest.Server
	mem *storage.Memory
}

func fastSecretConfig() secret.Config {
	c := secret.DefaultConfig()
	c.Params.MemoryKiB = 8 * 1024
	c.Params.Iterations = 1
	return c
}

func newAPIFixture(t *testing.T, cfg Config, copts ...stamping.Option) *apiFixture {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemory()
	sc := fastSecretConfig()

	hash, err := sc.Hash(testSecret)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	steps := []error{
		mem.UpsertBusiness(ctx, ledger.Business{ID: "biz1", Slug: "one", Name: "One"}),
		mem.UpsertBusiness(ctx, ledger.Business{ID: "biz2", Slug: "two", Name: "Two"}),
		mem.UpsertOperator(ctx, operator.Operator{ID: "op1", BusinessID: "biz1", Name: "Leo", KeyHash: hash}),
		mem.UpsertClient(ctx, ledger.Client{ID: "c1", BusinessID: "biz1", Name: "Ana"}),
		mem.UpsertClient(ctx, ledger.Client{ID: "c2", BusinessID: "biz2", Name: "Bo"}),
	}
	for _, err := range steps {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	tokens, err := scantoken.NewService(mem)
	if err != nil {
		t.Fatalf("scantoken.NewService: %v", err)
	}
	coord, err := stamping.New(mem, tokens, copts...)
	if err != nil {
		t.Fatalf("stamping.New: %v", err)
	}
	auth, err := operator.NewAuthenticator(mem, sc)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	h, err := NewHandler(nil, coord, auth, cfg, WithAudit(audit.NewRecorder(mem, nil)))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, mem: mem}
}

func openConfig() Config {
	c := DefaultConfig()
	c.RateLimitRPS = 0
	return c
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, http.Header, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp.StatusCode, resp.Header, out
}

func authHeaders() map[string]string {
	return map[string]string{operator.HeaderAPIKey: opKey}
}

// cardPageHeaders is what the client's own card page sends: no operator
// key, only the same-origin marker.
func cardPageHeaders() map[string]string {
	return map[string]string{headerRequestedWith: requestedWithValue}
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", string(b), err)
	}
	return v
}

func (f *apiFixture) issue(t *testing.T, clientID string) issueTokenResponse {
	t.Helper()
	status, _, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/"+clientID+"/token", issueTokenRequest{BusinessID: "biz1"}, cardPageHeaders())
	if status != http.StatusOK {
		t.Fatalf("issue: status=%d body=%s", status, body)
	}
	return decode[issueTokenResponse](t, body)
}

func (f *apiFixture) auditActions() []string {
	var out []string
	for _, e := range f.mem.AuditEntries() {
		out = append(out, e.Action)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestAPI_RequiresAPIKey(t *testing.T) {
	f := newAPIFixture(t, openConfig())

	for _, key := range []string{"", "op1.wrong-secret-wrong-secret", "ghost." + testSecret, "no-dot"} {
		h := map[string]string{}
		if key != "" {
			h[operator.HeaderAPIKey] = key
		}
		status, _, body := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, h)
		if status != http.StatusUnauthorized {
			t.Fatalf("key %q: status=%d", key, status)
		}
		if e := decode[errorResponse](t, body); e.Error.Code != "unauthorized" {
			t.Fatalf("key %q: code=%q", key, e.Error.Code)
		}
	}
	if !contains(f.auditActions(), audit.ActionAuthFailed) {
		t.Fatalf("auth failures not audited: %v", f.auditActions())
	}
}

func TestAPI_StampFlow(t *testing.T) {
	f := newAPIFixture(t, openConfig())

	first := f.issue(t, "c1")
	if first.Reused || len(first.Token) != 32 {
		t.Fatalf("unexpected first issue: %+v", first)
	}
	again := f.issue(t, "c1")
	if !again.Reused || again.Token != first.Token {
		t.Fatalf("expected reuse: %+v", again)
	}

	status, _, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/scan/resolve", tokenRequest{Token: first.Token}, authHeaders())
	if status != http.StatusOK {
		t.Fatalf("resolve: status=%d body=%s", status, body)
	}
	res := decode[resolveResponse](t, body)
	if res.Client.ID != "c1" || res.CanRedeem || res.CutsLeftForReward != 5 {
		t.Fatalf("unexpected resolve: %+v", res)
	}

	status, _, body = doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: first.Token}, authHeaders())
	if status != http.StatusOK {
		t.Fatalf("stamp: status=%d body=%s", status, body)
	}
	mut := decode[mutationResponse](t, body)
	if mut.Client.Stamps != 1 || mut.CutsLeftForReward != 4 || mut.Event.Type != string(ledger.EventPaid) {
		t.Fatalf("unexpected stamp: %+v", mut)
	}

	// Replaying the consumed token fails and is audited.
	status, _, body = doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: first.Token}, authHeaders())
	if status != http.StatusGone {
		t.Fatalf("replay: status=%d body=%s", status, body)
	}
	if e := decode[errorResponse](t, body); e.Error.Code != "invalid_or_expired_token" {
		t.Fatalf("replay code=%q", e.Error.Code)
	}

	next := f.issue(t, "c1")
	if next.Reused || next.Token == first.Token {
		t.Fatalf("expected a fresh token after consume: %+v", next)
	}
	status, _, body = doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/redeem", tokenRequest{Token: next.Token}, authHeaders())
	if status != http.StatusConflict {
		t.Fatalf("redeem: status=%d body=%s", status, body)
	}
	e := decode[errorResponse](t, body)
	if e.Error.Code != "insufficient_stamps" || e.Error.Stamps == nil || *e.Error.Stamps != 1 || *e.Error.CutsLeftForReward != 4 {
		t.Fatalf("unexpected redeem error: %+v", e.Error)
	}

	status, _, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, authHeaders())
	if status != http.StatusOK {
		t.Fatalf("card: status=%d", status)
	}
	card := decode[cardResponse](t, body)
	if card.Client.Stamps != 1 || len(card.History) != 1 || card.Progress != "4 more visits for the free one" {
		t.Fatalf("unexpected card: %+v", card)
	}

	actions := f.auditActions()
	for _, want := range []string{audit.ActionTokenIssued, audit.ActionStampAdded, audit.ActionTokenReplay} {
		if !contains(actions, want) {
			t.Fatalf("missing audit %q in %v", want, actions)
		}
	}
	for _, entry := range f.mem.AuditEntries() {
		if strings.Contains(entry.TokenFP, first.Token) {
			t.Fatalf("raw token leaked into audit")
		}
	}
}

func TestAPI_ForeignBusiness(t *testing.T) {
	f := newAPIFixture(t, openConfig())

	status, _, body := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c2", nil, authHeaders())
	if status != http.StatusForbidden {
		t.Fatalf("card of other business: status=%d", status)
	}
	if strings.Contains(string(body), "Bo") {
		t.Fatalf("foreign card leaked: %s", body)
	}

	status, _, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/ghost", nil, authHeaders())
	if status != http.StatusNotFound {
		t.Fatalf("unknown client: status=%d", status)
	}
	if !contains(f.auditActions(), audit.ActionForbidden) {
		t.Fatalf("forbidden access not audited")
	}
}

func TestAPI_BodyValidation(t *testing.T) {
	f := newAPIFixture(t, openConfig())

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", strings.NewReader(`{"token":"x","extra":1}`))
	req.Header.Set(operator.HeaderAPIKey, opKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status=%d", resp.StatusCode)
	}

	status, _, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/token", issueTokenRequest{}, cardPageHeaders())
	if status != http.StatusBadRequest {
		t.Fatalf("missing businessId: status=%d", status)
	}

	status, _, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: "not a token!"}, authHeaders())
	if status != http.StatusGone {
		t.Fatalf("malformed token: status=%d body=%s", status, body)
	}
}

func TestAPI_SameOriginOnIssue(t *testing.T) {
	cfg := openConfig()
	cfg.SameOriginEnforce = true
	cfg.AllowedOrigins = []string{"https://card.example/"}
	f := newAPIFixture(t, cfg)
	url := f.srv.URL + "/v1/clients/c1/token"

	status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("no headers: status=%d", status)
	}
	if e := decode[errorResponse](t, body); e.Error.Code != "forbidden_origin" {
		t.Fatalf("code=%q", e.Error.Code)
	}

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"foreign origin", map[string]string{headerRequestedWith: requestedWithValue, "Origin": "https://evil.example"}, http.StatusForbidden},
		{"origin without marker", map[string]string{"Origin": "https://card.example"}, http.StatusForbidden},
		{"allowed origin", map[string]string{headerRequestedWith: requestedWithValue, "Origin": "https://card.example"}, http.StatusOK},
		{"allowed referer", map[string]string{headerRequestedWith: requestedWithValue, "Referer": "https://card.example/c/c1"}, http.StatusOK},
		{"fetch metadata", map[string]string{headerRequestedWith: requestedWithValue, "Sec-Fetch-Site": "same-origin"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, tc.headers); status != tc.want {
				t.Fatalf("status=%d want %d body=%s", status, tc.want, body)
			}
		})
	}
}

func TestAPI_IssueWithoutOperatorKey(t *testing.T) {
	cfg := openConfig()
	cfg.SameOriginEnforce = true
	cfg.AllowedOrigins = []string{"https://card.example"}
	f := newAPIFixture(t, cfg)
	url := f.srv.URL + "/v1/clients/c1/token"

	page := map[string]string{headerRequestedWith: requestedWithValue, "Origin": "https://card.example"}
	status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, page)
	if status != http.StatusOK {
		t.Fatalf("card page issue: status=%d body=%s", status, body)
	}
	if got := decode[issueTokenResponse](t, body); got.Token == "" {
		t.Fatalf("empty token")
	}

	cross := map[string]string{headerRequestedWith: requestedWithValue, "Origin": "https://evil.example"}
	if status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, cross); status != http.StatusForbidden {
		t.Fatalf("cross-origin issue: status=%d body=%s", status, body)
	}

	// c1 belongs to biz1.
	status, _, body = doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz2"}, page)
	if status != http.StatusNotFound {
		t.Fatalf("wrong business: status=%d body=%s", status, body)
	}
	if e := decode[errorResponse](t, body); e.Error.Code != "not_found" {
		t.Fatalf("wrong business code=%q", e.Error.Code)
	}

	// The issued token still needs an operator key to be spent.
	tok := decode[issueTokenResponse](t, mustIssue(t, url, page)).Token
	if status, _, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: tok}, page); status != http.StatusUnauthorized {
		t.Fatalf("stamp without key: status=%d", status)
	}
}

func mustIssue(t *testing.T, url string, headers map[string]string) []byte {
	t.Helper()
	status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, headers)
	if status != http.StatusOK {
		t.Fatalf("issue: status=%d body=%s", status, body)
	}
	return body
}

func TestAPI_IssueRateLimitedPerIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	f := newAPIFixture(t, cfg)
	url := f.srv.URL + "/v1/clients/c1/token"

	if status, _, body := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, cardPageHeaders()); status != http.StatusOK {
		t.Fatalf("first: status=%d body=%s", status, body)
	}
	status, hdr, _ := doJSON(t, http.MethodPost, url, issueTokenRequest{BusinessID: "biz1"}, cardPageHeaders())
	if status != http.StatusTooManyRequests || hdr.Get("Retry-After") == "" {
		t.Fatalf("second: status=%d retry-after=%q", status, hdr.Get("Retry-After"))
	}
}

func TestAPI_StrangerCannotDrainOperatorBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	cfg.TrustProxy = true
	f := newAPIFixture(t, cfg)

	// Wrong secrets for op1 from another address exhaust only that
	// address's bucket.
	stranger := map[string]string{operator.HeaderAPIKey: "op1.wrong-secret-wrong-secret", "X-Forwarded-For": "203.0.113.9"}
	if status, _, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, stranger); status != http.StatusUnauthorized {
		t.Fatalf("stranger first: status=%d", status)
	}
	if status, _, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, stranger); status != http.StatusTooManyRequests {
		t.Fatalf("stranger second: status=%d", status)
	}

	owner := authHeaders()
	owner["X-Forwarded-For"] = "198.51.100.7"
	if status, _, body := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, owner); status != http.StatusOK {
		t.Fatalf("owner: status=%d body=%s", status, body)
	}
}

func TestAPI_RateLimitPerOperator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	f := newAPIFixture(t, cfg)

	if status, _, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, authHeaders()); status != http.StatusOK {
		t.Fatalf("first: status=%d", status)
	}
	status, hdr, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/clients/c1", nil, authHeaders())
	if status != http.StatusTooManyRequests {
		t.Fatalf("second: status=%d", status)
	}
	if hdr.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if !contains(f.auditActions(), audit.ActionRateLimited) {
		t.Fatalf("rate limit not audited")
	}
}

func TestAPI_CooldownRetryAfter(t *testing.T) {
	f := newAPIFixture(t, openConfig(), stamping.WithPolicy(stamping.CooldownPolicy{MinInterval: time.Hour}))

	tok := f.issue(t, "c1")
	if status, _, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: tok.Token}, authHeaders()); status != http.StatusOK {
		t.Fatalf("first stamp: status=%d body=%s", status, body)
	}

	tok = f.issue(t, "c1")
	status, hdr, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/clients/c1/stamp", tokenRequest{Token: tok.Token}, authHeaders())
	if status != http.StatusTooManyRequests {
		t.Fatalf("second stamp: status=%d body=%s", status, body)
	}
	if e := decode[errorResponse](t, body); e.Error.Code != "cooldown_active" {
		t.Fatalf("code=%q", e.Error.Code)
	}
	if hdr.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if !contains(f.auditActions(), audit.ActionCooldownDenied) {
		t.Fatalf("cooldown not audited")
	}
}
