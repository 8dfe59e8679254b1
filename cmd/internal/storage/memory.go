package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/scantoken"
)

const memAuditCap = 1024

// Memory is an in-process backend for dev mode and tests.
//
// A single mutex serializes transactions. InTx writes in place and keeps
// an undo log of the rows it touched; a failed unit of work replays the
// log backwards, so it leaves no trace.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	businesses map[string]ledger.Business
	clients    map[string]ledger.Client
	events     map[string][]ledger.Event // by client, append order
	tokens     map[string]scantoken.Token
	operators  map[string]operator.Operator
	audit      []audit.Entry
}

func newMemState() *memState {
	return &memState{
		businesses: make(map[string]ledger.Business),
		clients:    make(map[string]ledger.Client),
		events:     make(map[string][]ledger.Event),
		tokens:     make(map[string]scantoken.Token),
		operators:  make(map[string]operator.Operator),
	}
}

// memTx is the undo log of one InTx call.
type memTx struct {
	undo []func(st *memState)
}

func (tx *memTx) rollback(st *memState) {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i](st)
	}
	tx.undo = nil
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for updated_at stamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty Memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		state: newMemState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx scantoken.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{}
	committed := false
	defer func() {
		if !committed {
			tx.rollback(m.state)
		}
	}()
	if err := fn(ctx, memView{m: m, tx: tx}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *Memory) Read() scantoken.Tx { return memView{m: m} }

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// memView runs either inside InTx (tx != nil, mutex already held) or
// against the live state, locking per call.
type memView struct {
	m  *Memory
	tx *memTx
}

func (v memView) do(fn func(st *memState) error) error {
	if v.tx != nil {
		return fn(v.m.state)
	}
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return fn(v.m.state)
}

func (v memView) record(undo func(st *memState)) {
	if v.tx != nil {
		v.tx.undo = append(v.tx.undo, undo)
	}
}

func (v memView) putClient(st *memState, c ledger.Client) {
	prev, had := st.clients[c.ID]
	v.record(func(st *memState) {
		if had {
			st.clients[c.ID] = prev
		} else {
			delete(st.clients, c.ID)
		}
	})
	st.clients[c.ID] = c
}

func (v memView) appendEvent(st *memState, ev ledger.Event) {
	n := len(st.events[ev.ClientID])
	v.record(func(st *memState) {
		if n == 0 {
			delete(st.events, ev.ClientID)
			return
		}
		st.events[ev.ClientID] = st.events[ev.ClientID][:n:n]
	})
	st.events[ev.ClientID] = append(st.events[ev.ClientID], ev)
}

func (v memView) putToken(st *memState, t scantoken.Token) {
	prev, had := st.tokens[t.Value]
	v.record(func(st *memState) {
		if had {
			st.tokens[t.Value] = prev
		} else {
			delete(st.tokens, t.Value)
		}
	})
	st.tokens[t.Value] = t
}

func (v memView) deleteToken(st *memState, value string) {
	prev, had := st.tokens[value]
	if !had {
		return
	}
	v.record(func(st *memState) { st.tokens[value] = prev })
	delete(st.tokens, value)
}

func (v memView) Ledger() ledger.Store    { return memLedger(v) }
func (v memView) Tokens() scantoken.Store { return memTokens(v) }

// ---- ledger ----

type memLedger memView

func (l memLedger) view() memView { return memView(l) }

func (l memLedger) Get(ctx context.Context, clientID string) (ledger.Client, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Client{}, err
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ledger.Client{}, ledger.ErrInvalidInput
	}
	var out ledger.Client
	err := l.view().do(func(st *memState) error {
		c, ok := st.clients[clientID]
		if !ok {
			return ledger.ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

func (l memLedger) ApplyPaidStamp(ctx context.Context, clientID string) (ledger.Client, error) {
	return l.apply(ctx, clientID, func(c *ledger.Client) error {
		if c.Stamps >= ledger.Threshold {
			return &ledger.ThresholdError{Kind: ledger.ErrAlreadyAtThreshold, Current: c.Stamps}
		}
		c.Stamps++
		c.LifetimeVisits++
		return nil
	})
}

func (l memLedger) ApplyRedemption(ctx context.Context, clientID string) (ledger.Client, error) {
	return l.apply(ctx, clientID, func(c *ledger.Client) error {
		if c.Stamps < ledger.Threshold {
			return &ledger.ThresholdError{Kind: ledger.ErrInsufficientStamps, Current: c.Stamps}
		}
		c.Stamps = 0
		c.LifetimeVisits++
		return nil
	})
}

func (l memLedger) apply(ctx context.Context, clientID string, mutate func(c *ledger.Client) error) (ledger.Client, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Client{}, err
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ledger.Client{}, ledger.ErrInvalidInput
	}
	var out ledger.Client
	err := l.view().do(func(st *memState) error {
		c, ok := st.clients[clientID]
		if !ok {
			return ledger.ErrNotFound
		}
		if err := mutate(&c); err != nil {
			return err
		}
		c.UpdatedAt = l.m.now()
		l.view().putClient(st, c)
		out = c
		return nil
	})
	return out, err
}

func (l memLedger) AppendEvent(ctx context.Context, ev ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.ClientID) == "" || !ev.Type.Valid() {
		return ledger.ErrInvalidInput
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.m.now()
	}
	return l.view().do(func(st *memState) error {
		if _, ok := st.clients[ev.ClientID]; !ok {
			return ledger.ErrNotFound
		}
		l.view().appendEvent(st, ev)
		return nil
	})
}

func (l memLedger) History(ctx context.Context, clientID string, limit int) ([]ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, ledger.ErrInvalidInput
	}
	if limit <= 0 || limit > 100 {
		limit = ledger.HistoryLimit
	}
	var out []ledger.Event
	err := l.view().do(func(st *memState) error {
		evs := append([]ledger.Event(nil), st.events[clientID]...)
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
				return evs[i].ID > evs[j].ID
			}
			return evs[i].CreatedAt.After(evs[j].CreatedAt)
		})
		if len(evs) > limit {
			evs = evs[:limit]
		}
		out = evs
		return nil
	})
	return out, err
}

func (l memLedger) LastEventAt(ctx context.Context, clientID string, t ledger.EventType) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	if strings.TrimSpace(clientID) == "" || !t.Valid() {
		return time.Time{}, false, ledger.ErrInvalidInput
	}
	var (
		at    time.Time
		found bool
	)
	err := l.view().do(func(st *memState) error {
		for _, ev := range st.events[clientID] {
			if ev.Type == t && (!found || ev.CreatedAt.After(at)) {
				at, found = ev.CreatedAt, true
			}
		}
		return nil
	})
	return at, found, err
}

// ---- tokens ----

type memTokens memView

func (k memTokens) view() memView { return memView(k) }

// LockClient is a no-op: the backend mutex already serializes InTx.
func (k memTokens) LockClient(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return scantoken.ErrInvalidInput
	}
	return ctx.Err()
}

func (k memTokens) FindValid(ctx context.Context, clientID, businessID string, now time.Time) (scantoken.Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return scantoken.Token{}, false, err
	}
	var (
		out   scantoken.Token
		found bool
	)
	err := k.view().do(func(st *memState) error {
		for _, t := range st.tokens {
			if !t.BoundTo(clientID, businessID) || !t.ValidAt(now) {
				continue
			}
			if !found || t.CreatedAt.After(out.CreatedAt) {
				out, found = t, true
			}
		}
		return nil
	})
	return out, found, err
}

func (k memTokens) PurgeStale(ctx context.Context, clientID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := k.view().do(func(st *memState) error {
		for v, t := range st.tokens {
			if t.ClientID == clientID && !t.ValidAt(now) {
				k.view().deleteToken(st, v)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (k memTokens) Insert(ctx context.Context, t scantoken.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Value == "" || t.ClientID == "" || t.BusinessID == "" || !t.ExpiresAt.After(t.CreatedAt) {
		return scantoken.ErrInvalidInput
	}
	return k.view().do(func(st *memState) error {
		if _, ok := st.clients[t.ClientID]; !ok {
			return scantoken.ErrClientNotFound
		}
		if _, dup := st.tokens[t.Value]; dup {
			return errDuplicateToken
		}
		k.view().putToken(st, t)
		return nil
	})
}

func (k memTokens) Get(ctx context.Context, value string) (scantoken.Token, error) {
	if err := ctx.Err(); err != nil {
		return scantoken.Token{}, err
	}
	var out scantoken.Token
	err := k.view().do(func(st *memState) error {
		t, ok := st.tokens[value]
		if !ok {
			return scantoken.ErrNotFound
		}
		out = t
		return nil
	})
	return out, err
}

func (k memTokens) Consume(ctx context.Context, value, clientID, businessID string, now time.Time) (scantoken.Token, error) {
	if err := ctx.Err(); err != nil {
		return scantoken.Token{}, err
	}
	var out scantoken.Token
	err := k.view().do(func(st *memState) error {
		t, ok := st.tokens[value]
		if !ok {
			return scantoken.ErrNotFound
		}
		if !t.ValidAt(now) || !t.BoundTo(clientID, businessID) {
			return scantoken.ErrAlreadyUsedOrExpired
		}
		at := now
		t.ConsumedAt = &at
		k.view().putToken(st, t)
		out = t
		return nil
	})
	return out, err
}

func (k memTokens) PurgeAllStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := k.view().do(func(st *memState) error {
		for v, t := range st.tokens {
			if (t.ConsumedAt != nil && t.ConsumedAt.Before(cutoff)) || !cutoff.Before(t.ExpiresAt) {
				k.view().deleteToken(st, v)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ---- operators, seed target, audit ----

func (m *Memory) GetOperator(ctx context.Context, id string) (operator.Operator, error) {
	if err := ctx.Err(); err != nil {
		return operator.Operator{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.state.operators[strings.TrimSpace(id)]
	if !ok {
		return operator.Operator{}, operator.ErrNotFound
	}
	return op, nil
}

func (m *Memory) UpsertBusiness(ctx context.Context, b ledger.Business) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.ID == "" || b.Slug == "" {
		return ledger.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.state.businesses {
		if id != b.ID && other.Slug == b.Slug {
			return ErrConflict
		}
	}
	if prev, ok := m.state.businesses[b.ID]; ok {
		b.CreatedAt = prev.CreatedAt
	} else if b.CreatedAt.IsZero() {
		b.CreatedAt = m.now()
	}
	m.state.businesses[b.ID] = b
	return nil
}

func (m *Memory) UpsertOperator(ctx context.Context, op operator.Operator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if op.ID == "" || op.BusinessID == "" || op.KeyHash == "" {
		return operator.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.businesses[op.BusinessID]; !ok {
		return ErrUnknownBusiness
	}
	if prev, ok := m.state.operators[op.ID]; ok {
		op.CreatedAt = prev.CreatedAt
	} else if op.CreatedAt.IsZero() {
		op.CreatedAt = m.now()
	}
	m.state.operators[op.ID] = op
	return nil
}

// UpsertClient creates a client or refreshes its profile. An existing
// client's stamp counts are never overwritten.
func (m *Memory) UpsertClient(ctx context.Context, c ledger.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ID == "" || c.BusinessID == "" || c.Stamps < 0 || c.Stamps > ledger.Threshold || c.LifetimeVisits < 0 {
		return ledger.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.businesses[c.BusinessID]; !ok {
		return ErrUnknownBusiness
	}
	for id, other := range m.state.clients {
		if id != c.ID && other.BusinessID == c.BusinessID && c.Phone != "" && other.Phone == c.Phone {
			return ErrConflict
		}
	}
	now := m.now()
	if prev, ok := m.state.clients[c.ID]; ok {
		if prev.BusinessID != c.BusinessID {
			return ErrConflict
		}
		prev.Name, prev.Phone, prev.UpdatedAt = c.Name, c.Phone, now
		m.state.clients[c.ID] = prev
		return nil
	}
	c.CreatedAt, c.UpdatedAt = now, now
	m.state.clients[c.ID] = c
	return nil
}

func (m *Memory) InsertAudit(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.audit = append(m.state.audit, e)
	if len(m.state.audit) > memAuditCap {
		m.state.audit = m.state.audit[len(m.state.audit)-memAuditCap:]
	}
	return nil
}

// AuditEntries returns a copy of the recorded audit rows, oldest first.
func (m *Memory) AuditEntries() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.state.audit...)
}
