package scantoken_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/storage"
)

type countingObserver struct {
	mu     sync.Mutex
	issued map[bool]int
	purged int64
}

func (o *countingObserver) TokenIssued(reused bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.issued == nil {
		o.issued = map[bool]int{}
	}
	o.issued[reused]++
}

func (o *countingObserver) TokensPurged(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.purged += n
}

func setup(t *testing.T, opts ...scantoken.Option) (*storage.Memory, *scantoken.Service, *time.Time) {
	t.Helper()
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := storage.NewMemory()
	require.NoError(t, mem.UpsertBusiness(ctx, ledger.Business{ID: "biz1", Slug: "one"}))
	require.NoError(t, mem.UpsertBusiness(ctx, ledger.Business{ID: "biz2", Slug: "two"}))
	require.NoError(t, mem.UpsertClient(ctx, ledger.Client{ID: "c1", BusinessID: "biz1"}))
	require.NoError(t, mem.UpsertClient(ctx, ledger.Client{ID: "c2", BusinessID: "biz1"}))

	svc, err := scantoken.NewService(mem, append([]scantoken.Option{scantoken.WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return mem, svc, &now
}

func TestClampTTL(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, scantoken.DefaultTTL},
		{10 * time.Second, scantoken.MinTTL},
		{5 * time.Minute, 5 * time.Minute},
		{time.Hour, scantoken.MaxTTL},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, scantoken.ClampTTL(tc.in), "ClampTTL(%s)", tc.in)
	}
}

func TestIssue_IdempotentWithinTTL(t *testing.T) {
	obs := &countingObserver{}
	_, svc, now := setup(t, scantoken.WithObserver(obs))
	ctx := context.Background()

	first, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Len(t, first.Token.Value, 32)
	assert.Equal(t, now.Add(scantoken.DefaultTTL), first.Token.ExpiresAt)

	*now = now.Add(time.Minute)
	second, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Token.Value, second.Token.Value)
	assert.Equal(t, first.Token.ExpiresAt, second.Token.ExpiresAt, "reuse must not extend the window")

	assert.Equal(t, 1, obs.issued[false])
	assert.Equal(t, 1, obs.issued[true])
}

func TestIssue_MintsAfterExpiryAndPurges(t *testing.T) {
	mem, svc, now := setup(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)

	*now = now.Add(scantoken.DefaultTTL)
	second, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.Token.Value, second.Token.Value)
	assert.Equal(t, int64(1), second.Purged)

	_, err = mem.Read().Tokens().Get(ctx, first.Token.Value)
	assert.ErrorIs(t, err, scantoken.ErrNotFound)
}

func TestIssue_MintsAfterConsume(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, first.Token.Value, "c1", "biz1")
	require.NoError(t, err)

	second, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token.Value, second.Token.Value)
}

func TestIssue_RejectsForeignOrUnknownClient(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "c1", "biz2")
	assert.ErrorIs(t, err, scantoken.ErrClientNotFound)

	_, err = svc.Issue(ctx, "ghost", "biz1")
	assert.ErrorIs(t, err, scantoken.ErrClientNotFound)

	_, err = svc.Issue(ctx, " ", "biz1")
	assert.ErrorIs(t, err, scantoken.ErrInvalidInput)
}

func TestIssue_PerClientTokens(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	a, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "c2", "biz1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Token.Value, b.Token.Value)
}

func TestIssue_ConcurrentPollsConverge(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	const n = 16
	values := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Issue(ctx, "c1", "biz1")
			if err == nil {
				values <- out.Token.Value
			}
		}()
	}
	wg.Wait()
	close(values)

	seen := map[string]bool{}
	for v := range values {
		seen[v] = true
	}
	assert.Len(t, seen, 1)
}

func TestConsume_ExactlyOnce(t *testing.T) {
	_, svc, now := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	v := issued.Token.Value

	got, err := svc.Consume(ctx, v, "c1", "biz1")
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)
	assert.Equal(t, *now, *got.ConsumedAt)

	for i := 0; i < 3; i++ {
		_, err := svc.Consume(ctx, v, "c1", "biz1")
		assert.ErrorIs(t, err, scantoken.ErrAlreadyUsedOrExpired)
	}
}

func TestConsume_BindingAndExpiry(t *testing.T) {
	_, svc, now := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	v := issued.Token.Value

	_, err = svc.Consume(ctx, v, "c2", "biz1")
	assert.ErrorIs(t, err, scantoken.ErrAlreadyUsedOrExpired)
	_, err = svc.Consume(ctx, v, "c1", "biz2")
	assert.ErrorIs(t, err, scantoken.ErrAlreadyUsedOrExpired)

	*now = issued.Token.ExpiresAt
	_, err = svc.Consume(ctx, v, "c1", "biz1")
	assert.ErrorIs(t, err, scantoken.ErrAlreadyUsedOrExpired)

	_, err = svc.Consume(ctx, "nope", "c1", "biz1")
	assert.ErrorIs(t, err, scantoken.ErrNotFound)
}

func TestResolve_IsPure(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := svc.Resolve(ctx, " "+issued.Token.Value+" ")
		require.NoError(t, err)
		assert.Nil(t, got.ConsumedAt)
		assert.Equal(t, "c1", got.ClientID)
	}

	_, err = svc.Resolve(ctx, "has spaces")
	assert.ErrorIs(t, err, scantoken.ErrNotFound)
}

func TestSweep(t *testing.T) {
	obs := &countingObserver{}
	mem, svc, now := setup(t, scantoken.WithObserver(obs))
	ctx := context.Background()

	a, err := svc.Issue(ctx, "c1", "biz1")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, a.Token.Value, "c1", "biz1")
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "c2", "biz1")
	require.NoError(t, err)

	*now = now.Add(time.Second)
	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = mem.Read().Tokens().Get(ctx, b.Token.Value)
	require.NoError(t, err, "valid token survives the sweep")

	*now = b.Token.ExpiresAt
	n, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(2), obs.purged)
}

func TestWithRandom(t *testing.T) {
	_, svc, _ := setup(t, scantoken.WithRandom(bytes.NewReader(bytes.Repeat([]byte{0}, 24))))
	out, err := svc.Issue(context.Background(), "c1", "biz1")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", out.Token.Value)
}

func TestWithTTL(t *testing.T) {
	_, svc, _ := setup(t, scantoken.WithTTL(20*time.Minute))
	assert.Equal(t, scantoken.MaxTTL, svc.TTL())

	_, err := scantoken.NewService(storage.NewMemory(), scantoken.WithTTL(-time.Second))
	assert.ErrorIs(t, err, scantoken.ErrInvalidInput)
}
