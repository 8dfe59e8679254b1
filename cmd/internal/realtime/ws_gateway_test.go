package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/stamping"
	"fidelity/cmd/internal/storage"
	v1 "fidelity/shared/contracts/cardfeed/v1"
)

type stubAuth map[string]operator.Operator

func (s stubAuth) Authenticate(_ context.Context, rawKey string) (operator.Operator, error) {
	op, ok := s[rawKey]
	if !ok {
		return operator.Operator{}, operator.ErrUnauthorized
	}
	return op, nil
}

type feedFixture struct {
	srv   *httptest.Server
	hub   *Hub
	coord *stamping.Coordinator
	obs   *countingObserver
}

func newFeedFixture(t *testing.T, cfg GatewayConfig) *feedFixture {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemory()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(mem.UpsertBusiness(ctx, ledger.Business{ID: "biz1", Slug: "one", Name: "One"}))
	must(mem.UpsertBusiness(ctx, ledger.Business{ID: "biz2", Slug: "two", Name: "Two"}))
	must(mem.UpsertClient(ctx, ledger.Client{ID: "c1", BusinessID: "biz1", Name: "Ana", Stamps: 4}))
	must(mem.UpsertClient(ctx, ledger.Client{ID: "c2", BusinessID: "biz2", Name: "Bo"}))

	obs := &countingObserver{}
	hub := NewHub(nil, obs)
	tokens, err := scantoken.NewService(mem)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	coord, err := stamping.New(mem, tokens, stamping.WithNotifier(hub))
	if err != nil {
		t.Fatalf("stamping.New: %v", err)
	}

	auth := stubAuth{"op1.key": {ID: "op1", BusinessID: "biz1"}}
	gw, err := NewWSGateway(nil, hub, auth, coord, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &feedFixture{srv: srv, hub: hub, coord: coord, obs: obs}
}

func dialFeed(t *testing.T, baseHTTPURL, apiKey, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if apiKey != "" {
		h.Set(operator.HeaderAPIKey, apiKey)
	}
	if origin != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "c-1", TS: time.Now().UTC(), Payload: p})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readType(t *testing.T, conn *websocket.Conn, typ string, out any) {
	t.Helper()
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != typ {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
		}
		return
	}
	t.Fatalf("did not receive envelope type %q", typ)
}

func TestWSGateway_RejectsMissingKey(t *testing.T) {
	f := newFeedFixture(t, DefaultGatewayConfig())

	for _, key := range []string{"", "op1.wrong"} {
		_, resp, err := dialFeed(t, f.srv.URL, key, "")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("key %q: expected handshake failure", key)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("key %q: expected 401, got %+v", key, resp)
		}
	}
}

func TestWSGateway_RejectsForeignOrigin(t *testing.T) {
	f := newFeedFixture(t, DefaultGatewayConfig())

	_, resp, err := dialFeed(t, f.srv.URL, "op1.key", "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%+v err=%v", resp, err)
	}
}

func TestWSGateway_SubscribeAndReceiveUpdate(t *testing.T) {
	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx := context.Background()

	conn, resp, err := dialFeed(t, f.srv.URL, "op1.key", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello, v1.HelloPayload{})
	var ack v1.HelloAckPayload
	readType(t, conn, v1.TypeHelloAck, &ack)
	if ack.OperatorID != "op1" || ack.BusinessID != "biz1" || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	send(t, conn, v1.TypeCardSubscribe, v1.CardSubscribePayload{ClientID: "c2"})
	var perr v1.ErrorPayload
	readType(t, conn, v1.TypeError, &perr)
	if perr.Code != v1.CodeForbidden {
		t.Fatalf("foreign card: code=%q", perr.Code)
	}

	send(t, conn, v1.TypeCardSubscribe, v1.CardSubscribePayload{ClientID: "ghost"})
	readType(t, conn, v1.TypeError, &perr)
	if perr.Code != v1.CodeNotFound {
		t.Fatalf("unknown card: code=%q", perr.Code)
	}

	send(t, conn, v1.TypeCardSubscribe, v1.CardSubscribePayload{ClientID: "c1"})
	var sub v1.CardSubscribedPayload
	readType(t, conn, v1.TypeCardSubscribed, &sub)
	if sub.Card.ClientID != "c1" || sub.Card.Stamps != 4 || sub.Card.CutsLeftForReward != 1 {
		t.Fatalf("unexpected snapshot: %+v", sub.Card)
	}
	if f.hub.Followers("c1") != 1 {
		t.Fatalf("followers=%d", f.hub.Followers("c1"))
	}

	caller := stamping.Caller{OperatorID: "op1", BusinessID: "biz1"}
	issued, err := f.coord.IssueToken(ctx, "biz1", "c1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := f.coord.AddStamp(ctx, caller, stamping.Request{ClientID: "c1", Token: issued.Token.Value}); err != nil {
		t.Fatalf("AddStamp: %v", err)
	}

	var upd v1.LedgerUpdatedPayload
	readType(t, conn, v1.TypeLedgerUpdated, &upd)
	if upd.Op != string(stamping.OpAddStamp) || upd.Card.Stamps != 5 || !upd.JustCompletedThreshold || upd.EventType != string(ledger.EventPaid) {
		t.Fatalf("unexpected update: %+v", upd)
	}

	send(t, conn, v1.TypeCardUnsubscribe, v1.CardSubscribePayload{ClientID: "c1"})
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Followers("c1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("unsubscribe not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_CloseDropsSubscriptions(t *testing.T) {
	f := newFeedFixture(t, DefaultGatewayConfig())

	conn, resp, err := dialFeed(t, f.srv.URL, "op1.key", "http://localhost:3000")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	send(t, conn, v1.TypeCardSubscribe, v1.CardSubscribePayload{ClientID: "c1"})
	readType(t, conn, v1.TypeCardSubscribed, nil)

	_ = conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Followers("c1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription survived close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for {
		f.obs.mu.Lock()
		opened, closed := f.obs.opened, f.obs.closed
		f.obs.mu.Unlock()
		if opened == 1 && closed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("opened=%d closed=%d", opened, closed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_BadFrames(t *testing.T) {
	f := newFeedFixture(t, DefaultGatewayConfig())

	conn, resp, err := dialFeed(t, f.srv.URL, "op1.key", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var perr v1.ErrorPayload
	readType(t, conn, v1.TypeError, &perr)
	if perr.Code != v1.CodeBadJSON {
		t.Fatalf("code=%q", perr.Code)
	}

	send(t, conn, "message.send", map[string]string{})
	readType(t, conn, v1.TypeError, &perr)
	if perr.Code != v1.CodeBadEnvelope {
		t.Fatalf("code=%q", perr.Code)
	}
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	f := newFeedFixture(t, cfg)

	conn, resp, err := dialFeed(t, f.srv.URL, "op1.key", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for i := 0; i < 3; i++ {
		send(t, conn, v1.TypeHello, v1.HelloPayload{})
	}

	var perr v1.ErrorPayload
	readType(t, conn, v1.TypeError, &perr)
	if perr.Code != v1.CodeRateLimited {
		t.Fatalf("code=%q", perr.Code)
	}
}
