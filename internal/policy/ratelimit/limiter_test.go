package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidBounds(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MinDelay: -time.Second, MaxDelay: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{MinDelay: 2 * time.Second, MaxDelay: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	l, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestLimiter_FirstWaitIsImmediate(t *testing.T) {
	t.Parallel()

	l, err := New(Config{MinDelay: time.Second, MaxDelay: 2 * time.Second})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "example.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_SequentialWaitsHonorMinDelay(t *testing.T) {
	t.Parallel()

	minDelay := 60 * time.Millisecond
	l, err := New(Config{MinDelay: minDelay, MaxDelay: 90 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	var returned []time.Time
	for range 4 {
		require.NoError(t, l.Wait(ctx, "test.com"))
		returned = append(returned, time.Now())
	}
	for i := 1; i < len(returned); i++ {
		gap := returned[i].Sub(returned[i-1])
		assert.GreaterOrEqual(t, gap, minDelay-5*time.Millisecond, "gap %d was %v", i, gap)
	}
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()

	l, err := New(Config{MinDelay: time.Second, MaxDelay: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	// Domain A is now hot.
	require.NoError(t, l.Wait(ctx, "a.com"))

	var wg sync.WaitGroup
	blocked := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(blocked)
		_ = l.Wait(ctx, "a.com") //nolint:errcheck // sleeping holder
	}()
	<-blocked

	// Domain B should not be blocked by A's sleeper.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.com"))
	require.NoError(t, l.Wait(ctx, "c.com"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	wg.Wait()
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l, err := New(Config{MinDelay: time.Minute, MaxDelay: time.Minute})
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background(), "slow.edu"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Wait(ctx, "slow.edu")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLimiter_Delay(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	l, err := New(Config{MinDelay: 2 * time.Second, MaxDelay: 3 * time.Second}, WithClock(clock))
	require.NoError(t, err)

	assert.Zero(t, l.Delay("x.edu"))
	require.NoError(t, l.Wait(context.Background(), "x.edu"))
	assert.Equal(t, 2*time.Second, l.Delay("x.edu"))

	advance(1500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, l.Delay("x.edu"))

	advance(time.Second)
	assert.Zero(t, l.Delay("x.edu"))
}

func TestLimiter_ObserverSeesWaits(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	l, err := New(Config{MinDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}, WithObserver(obs))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.WaitURL(ctx, "https://www.obs.edu/a"))
	require.NoError(t, l.WaitURL(ctx, "https://obs.edu/b"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.domains, 1)
	assert.Equal(t, "obs.edu", obs.domains[0])
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mit.edu", DomainOf("https://www.MIT.edu/x"))
	assert.Equal(t, "example.com", DomainOf("example.com/path"))
	assert.Equal(t, "unknown", DomainOf("http://%"))
}

type recordingObserver struct {
	mu      sync.Mutex
	domains []string
}

func (r *recordingObserver) ObserveDelay(domain string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = append(r.domains, domain)
}
