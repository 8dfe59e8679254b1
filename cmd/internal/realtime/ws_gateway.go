package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/stamping"
	v1 "fidelity/shared/contracts/cardfeed/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("invalid JSON")

// Authenticator resolves an API key to an operator.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (operator.Operator, error)
}

// Cards loads a card on behalf of a caller, enforcing business ownership.
type Cards interface {
	Card(ctx context.Context, caller stamping.Caller, clientID string) (stamping.Card, error)
}

// WSGateway is the WebSocket entrypoint for the card feed.
//
// It authenticates the operator before upgrading, enforces the origin
// policy, subprotocol, rate limit and heartbeats, and routes
// subscriptions to the Hub.
type WSGateway struct {
	log   *slog.Logger
	hub   *Hub
	auth  Authenticator
	cards Cards
	cfg   GatewayConfig

	// websocket.Accept authorizes same-host origins itself; cross-origin
	// hosts need OriginPatterns derived from the allowlist.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, auth Authenticator, cards Cards, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil || auth == nil || cards == nil {
		return nil, errors.New("realtime: hub, authenticator and cards are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cards:          cards,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("cardfeed.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	op, err := g.auth.Authenticate(r.Context(), r.Header.Get(operator.HeaderAPIKey))
	if err != nil {
		if errors.Is(err, operator.ErrUnauthorized) {
			g.log.Info("cardfeed.reject.auth", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		g.log.Error("cardfeed.auth.fail", "err", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	caller := stamping.Caller{OperatorID: op.ID, BusinessID: op.BusinessID}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("cardfeed.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("cardfeed.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(newID(time.Now().UTC()), caller.OperatorID, caller.BusinessID, g.cfg.SendQueueSize)
	log := g.log.With("session_id", client.SessionID, "operator_id", caller.OperatorID)
	log.Info("cardfeed.conn.open")
	if g.hub.obs != nil {
		g.hub.obs.FeedConnOpened()
		defer g.hub.obs.FeedConnClosed()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// Subscriptions are dropped from the hub before the client is closed so
	// a concurrent push never targets a finished connection.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Drop(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("cardfeed.conn.close", "reason", reason)
		})
	}

	rl := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("cardfeed.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("cardfeed.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				log.Info("cardfeed.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow() {
			g.sendErrorNow(ctx, conn, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if !g.onHello(ctx, client) {
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		case v1.TypeCardSubscribe:
			g.onSubscribe(ctx, log, client, caller, env)
		case v1.TypeCardUnsubscribe:
			g.onUnsubscribe(ctx, client, env)
		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client) bool {
	p, _ := json.Marshal(v1.HelloAckPayload{
		SessionID:  client.SessionID,
		OperatorID: client.OperatorID,
		BusinessID: client.BusinessID,
	})
	return g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, p, time.Now().UTC()))
}

func (g *WSGateway) onSubscribe(ctx context.Context, log *slog.Logger, client *Client, caller stamping.Caller, env v1.Envelope) {
	var p v1.CardSubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, v1.CodeBadPayload, "invalid payload")
		return
	}
	clientID := strings.TrimSpace(p.ClientID)
	if clientID == "" {
		g.trySendError(ctx, client, v1.CodeBadPayload, "missing client_id")
		return
	}

	card, err := g.cards.Card(ctx, caller, clientID)
	if err != nil {
		switch stamping.KindOf(err) {
		case stamping.ErrNotFound:
			g.trySendError(ctx, client, v1.CodeNotFound, "client not found")
		case stamping.ErrForbidden:
			log.Warn("cardfeed.subscribe.forbidden", "client_id", clientID)
			g.trySendError(ctx, client, v1.CodeForbidden, "client belongs to another business")
		case stamping.ErrInvalidInput:
			g.trySendError(ctx, client, v1.CodeBadPayload, "invalid client_id")
		default:
			g.trySendError(ctx, client, v1.CodeUnavailable, "try again")
		}
		return
	}

	added, full := client.track(clientID)
	if full {
		g.trySendError(ctx, client, v1.CodeTooMany, fmt.Sprintf("at most %d cards per connection", maxSubscriptions))
		return
	}
	if added {
		g.hub.Subscribe(clientID, client)
	}

	out, _ := json.Marshal(v1.CardSubscribedPayload{Card: cardState(card.Client)})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeCardSubscribed, out, time.Now().UTC())) {
		log.Info("cardfeed.subscribe.backpressure", "client_id", clientID)
	}
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.CardSubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.ClientID) == "" {
		g.trySendError(ctx, client, v1.CodeBadPayload, "missing client_id")
		return
	}
	id := strings.TrimSpace(p.ClientID)
	client.untrack(id)
	g.hub.Unsubscribe(id, client.SessionID)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// sendErrorNow writes directly, bypassing the queue, for errors that are
// followed by closing the connection.
func (g *WSGateway) sendErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: text frames only", errBadJSON)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case strings.EqualFold(origin, a):
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns sorted host patterns for allowed, each with
// and without a port. A "*" entry becomes the match-all pattern.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
