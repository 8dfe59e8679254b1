// Package main is a CI-friendly smoke test for a running fidelity server.
//
// It validates:
//   - card feed handshake with operator key and subprotocol
//   - hello/ack session establishment
//   - card.subscribe snapshot
//   - token issue and add-stamp over HTTP
//   - ledger.updated push for the committed stamp
//   - token replay rejected with 410 and no second push
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "fidelity/shared/contracts/cardfeed/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type feedClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type smoke struct {
	base     string
	key      string
	business string
	client   string
	timeout  time.Duration
	http     *http.Client
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		apiKey   = flag.String("key", os.Getenv("FIDELITY_SMOKE_KEY"), "Operator API key (<operator_id>.<secret>)")
		business = flag.String("business", "", "Business id of the operator")
		clientID = flag.String("client", "", "Client id to stamp (must be below the reward threshold)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if strings.TrimSpace(*apiKey) == "" || *business == "" || *clientID == "" {
		fatalf("-key, -business and -client are required")
	}

	s := &smoke{
		base:     strings.TrimRight(*baseURL, "/"),
		key:      *apiKey,
		business: *business,
		client:   *clientID,
		timeout:  *timeout,
		http:     &http.Client{Timeout: *timeout},
	}
	root := context.Background()

	c := s.mustConnect(root, *origin)
	defer closeWS(c.conn)

	before := c.mustSubscribe(root, s.client, s.timeout)
	if *verbose {
		fmt.Printf("subscribed: session=%s client=%s stamps=%d\n", c.sessionID, s.client, before.Stamps)
	}
	if before.Stamps >= 5 {
		fatalf("client %s is already at the threshold; pick another client", s.client)
	}

	tok := s.mustIssueToken(root)

	status, body := s.post(root, "/v1/clients/"+url.PathEscape(s.client)+"/stamp", map[string]string{"token": tok})
	if status != http.StatusOK {
		fatalf("add stamp: status=%d body=%s", status, body)
	}

	upd := c.mustReadUntilType(root, v1.TypeLedgerUpdated, s.timeout)
	var p v1.LedgerUpdatedPayload
	if err := json.Unmarshal(upd.Payload, &p); err != nil {
		fatalf("unmarshal ledger.updated: %v", err)
	}
	if p.Op != "add_stamp" || p.Card.ClientID != s.client {
		fatalf("ledger.updated mismatch: op=%q client=%q", p.Op, p.Card.ClientID)
	}
	if p.Card.Stamps != before.Stamps+1 {
		fatalf("ledger.updated stamps: got=%d want=%d", p.Card.Stamps, before.Stamps+1)
	}

	status, body = s.post(root, "/v1/clients/"+url.PathEscape(s.client)+"/stamp", map[string]string{"token": tok})
	if status != http.StatusGone {
		fatalf("replay: status=%d want=%d body=%s", status, http.StatusGone, body)
	}
	c.mustAssertNoType(root, v1.TypeLedgerUpdated, 1200*time.Millisecond)

	fmt.Printf("OK: session=%s client=%s stamps=%d event=%s\n", c.sessionID, s.client, p.Card.Stamps, p.EventID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (s *smoke) feedURL() string {
	switch {
	case strings.HasPrefix(s.base, "https://"):
		return "wss://" + strings.TrimPrefix(s.base, "https://") + "/v1/cards/ws"
	default:
		return "ws://" + strings.TrimPrefix(s.base, "http://") + "/v1/cards/ws"
	}
}

func (s *smoke) post(parent context.Context, path string, body any) (int, string) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.key)
	req.Header.Set("X-Requested-With", "fidelity")

	resp, err := s.http.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, string(raw)
}

func (s *smoke) mustIssueToken(parent context.Context) string {
	status, body := s.post(parent, "/v1/clients/"+url.PathEscape(s.client)+"/token", map[string]string{"businessId": s.business})
	if status != http.StatusOK {
		fatalf("issue token: status=%d body=%s", status, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil || out.Token == "" {
		fatalf("issue token: bad body %s", body)
	}
	return out.Token
}

func (s *smoke) mustConnect(parent context.Context, origin string) *feedClient {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("X-API-Key", s.key)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, s.feedURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &feedClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, newEnvelope(v1.TypeHello, "hello", v1.HelloPayload{}), s.timeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, s.timeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id")
	}
	if p.BusinessID != s.business {
		fatalf("hello.ack business mismatch: got=%q want=%q", p.BusinessID, s.business)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *feedClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *feedClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *feedClient) mustSubscribe(parent context.Context, clientID string, stepTimeout time.Duration) v1.CardState {
	env := newEnvelope(v1.TypeCardSubscribe, "sub-"+clientID, v1.CardSubscribePayload{ClientID: clientID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeCardSubscribed, stepTimeout)
	var p v1.CardSubscribedPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal card.subscribed payload: %v", err)
	}
	if p.Card.ClientID != clientID {
		fatalf("card.subscribed client mismatch: got=%q want=%q", p.Card.ClientID, clientID)
	}
	return p.Card
}

func (c *feedClient) mustAssertNoType(parent context.Context, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly")
			}
			if env.Type == v1.TypeError {
				failOnError(env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received", forbiddenType)
			}
		}
	}
}

func (c *feedClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				failOnError(env)
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func failOnError(env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
}

func newEnvelope(typ, id string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
