package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/ratelimit"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockStore = errors.New("mock store error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Time, time.Duration) (ratelimit.Window, error) {
	return ratelimit.Window{}, errMockStore
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = lg.Close() })

	return lg
}

func newClock() *fakeClock {
	return &fakeClock{mu: sync.Mutex{}, now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func TestLimiter_FiftyFirstRequestDenied(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{
		Name: "generation", Limit: 50, Window: time.Hour, Now: clock.Now,
	}, createTestLogger(t))

	for index := range 50 {
		decision, err := limiter.Admit(t.Context(), "user:owner-a")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "request %d", index+1)
		assert.Equal(t, 50-(index+1), decision.Remaining)
		clock.Advance(time.Minute / 2)
	}

	decision, err := limiter.Admit(t.Context(), "user:owner-a")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, 50, decision.Limit)
	assert.Equal(t, 35*time.Minute, decision.RetryAfter, "window started 25 minutes ago")

	other, err := limiter.Admit(t.Context(), "user:owner-b")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestLimiter_WindowResetsOnlyByExpiry(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{
		Name: "auth", Limit: 2, Window: 15 * time.Minute, Now: clock.Now,
	}, createTestLogger(t))

	for range 3 {
		_, err := limiter.Admit(t.Context(), "10.0.0.1")
		require.NoError(t, err)
	}

	clock.Advance(15*time.Minute - time.Second)

	decision, err := limiter.Admit(t.Context(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Second, decision.RetryAfter)

	clock.Advance(time.Second)

	decision, err = limiter.Admit(t.Context(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Remaining)
}

func TestLimiter_StoreErrorFailsOpen(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(failingStore{}, ratelimit.Options{
		Name: "api", Limit: 1, Window: time.Minute, Now: nil,
	}, createTestLogger(t))

	for range 3 {
		decision, err := limiter.Admit(t.Context(), "key")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestLimiter_ConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{
		Name: "api", Limit: 100, Window: time.Hour, Now: newClock().Now,
	}, createTestLogger(t))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for range 150 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			decision, err := limiter.Admit(context.Background(), "shared")
			if err == nil && decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestMemoryStore_SweepsExpiredWindows(t *testing.T) {
	t.Parallel()

	store := ratelimit.NewMemoryStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for index := range 10 {
		_, err := store.Increment(t.Context(), fmt.Sprintf("key-%d", index), start, time.Minute)
		require.NoError(t, err)
	}

	assert.Equal(t, 10, store.Len())

	_, err := store.Increment(t.Context(), "fresh", start.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func createTestJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	js, err := jetstream.New(natsConnection)
	require.NoError(t, err)

	return js
}

func TestNATSStore_SharedWindow(t *testing.T) {
	t.Parallel()

	js := createTestJetStream(t)

	storeA, err := ratelimit.NewNATSStore(t.Context(), js, "RATE_TEST", time.Hour)
	require.NoError(t, err)

	storeB, err := ratelimit.NewNATSStore(t.Context(), js, "RATE_TEST", time.Hour)
	require.NoError(t, err, "binding an existing bucket must succeed")

	start := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	first, err := storeA.Increment(t.Context(), "user:owner-a", start, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	second, err := storeB.Increment(t.Context(), "user:owner-a", start.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count, "replicas share the counter")
	assert.True(t, second.Start.Equal(start))

	expiredWindow, err := storeA.Increment(t.Context(), "user:owner-a", start.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expiredWindow.Count)
	assert.True(t, expiredWindow.Start.Equal(start.Add(time.Hour)))
}

func TestNATSStore_KeysWithUnsafeCharacters(t *testing.T) {
	t.Parallel()

	js := createTestJetStream(t)

	store, err := ratelimit.NewNATSStore(t.Context(), js, "RATE_IPV6", time.Minute)
	require.NoError(t, err)

	now := time.Now()

	state, err := store.Increment(t.Context(), "2001:db8::1 *>", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Count)
}

func TestNATSStore_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	js := createTestJetStream(t)

	store, err := ratelimit.NewNATSStore(t.Context(), js, "RATE_CONCURRENT", time.Hour)
	require.NoError(t, err)

	limiter := ratelimit.New(store, ratelimit.Options{
		Name: "generation", Limit: 1000, Window: time.Hour, Now: newClock().Now,
	}, createTestLogger(t))

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = limiter.Admit(context.Background(), "shared")
		}()
	}

	wg.Wait()

	state, err := store.Increment(t.Context(), "shared", newClock().Now(), time.Hour)
	require.NoError(t, err)
	assert.LessOrEqual(t, state.Count, 5)
	assert.GreaterOrEqual(t, state.Count, 2)
}
