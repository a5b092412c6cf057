package sessionkeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TickInterval:    time.Second,
		InactivityLimit: time.Minute,
		WarnWindow:      30 * time.Second,
		RefreshTimeout:  time.Second,
		MaxRetries:      2,
		RetryBackoff:    10 * time.Second,
	}
}

// fakeClock позволяет детерминированно гонять step без реального времени.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestKeeper(cfg Config, refresh RefreshFunc, logout func()) (*Keeper, *fakeClock) {
	clock := newFakeClock()
	k := New(cfg, refresh, logout)
	k.now = clock.Now
	k.lastActivity = clock.Now()
	return k, clock
}

func TestKeeper_IdleWhileTokenFresh(t *testing.T) {
	t.Parallel()

	refreshCalls := 0
	k, clock := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		refreshCalls++
		return time.Time{}, nil
	}, nil)

	k.SetFocused(true)
	k.SetAccessExpiry(clock.Now().Add(time.Hour))

	require.True(t, k.step(clock.Advance(time.Second)))
	require.Equal(t, StateIdle, k.State())
	require.Zero(t, refreshCalls)
}

func TestKeeper_RefreshesInsideWarnWindow(t *testing.T) {
	t.Parallel()

	var refreshCalls int
	var clock *fakeClock
	k, clock := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		refreshCalls++
		return clock.Now().Add(90 * time.Second), nil
	}, nil)

	k.SetFocused(true)
	k.SetAccessExpiry(clock.Now().Add(20 * time.Second)) // уже в окне

	k.RecordActivity()
	require.True(t, k.step(clock.Advance(time.Second)))
	require.Equal(t, 1, refreshCalls)
	require.Equal(t, StateIdle, k.State())

	// Новый expiry далеко — следующий тик не рефрешит.
	require.True(t, k.step(clock.Advance(time.Second)))
	require.Equal(t, 1, refreshCalls)
}

func TestKeeper_InactivityForcesLogout(t *testing.T) {
	t.Parallel()

	var loggedOut bool
	k, clock := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		return time.Time{}, nil
	}, func() { loggedOut = true })

	k.SetFocused(true)
	k.SetAccessExpiry(clock.Now().Add(time.Hour))

	require.False(t, k.step(clock.Advance(2*time.Minute)))
	require.True(t, loggedOut)
	require.Equal(t, StateStopped, k.State())
}

func TestKeeper_RetriesThenForcedLogout(t *testing.T) {
	t.Parallel()

	var refreshCalls int
	var loggedOut bool
	cfg := testConfig()

	k, clock := newTestKeeper(cfg, func(context.Context) (time.Time, error) {
		refreshCalls++
		return time.Time{}, errors.New("network down")
	}, func() { loggedOut = true })

	k.SetFocused(true)
	k.SetAccessExpiry(clock.Now().Add(10 * time.Second))

	// Попытка 1: неудача, взводится backoff.
	k.RecordActivity()
	require.True(t, k.step(clock.Advance(time.Second)))
	require.Equal(t, 1, refreshCalls)
	require.Equal(t, StateIdle, k.State())

	// Тик до истечения backoff — refresh не повторяется.
	require.True(t, k.step(clock.Advance(time.Second)))
	require.Equal(t, 1, refreshCalls)

	// Попытка 2 после backoff.
	k.RecordActivity()
	require.True(t, k.step(clock.Advance(cfg.RetryBackoff)))
	require.Equal(t, 2, refreshCalls)

	// После второй неудачи пауза удваивается: одного backoff мало.
	require.True(t, k.step(clock.Advance(cfg.RetryBackoff)))
	require.Equal(t, 2, refreshCalls)

	// Попытка 3 исчерпывает MaxRetries=2 — принудительный logout.
	k.RecordActivity()
	require.False(t, k.step(clock.Advance(cfg.RetryBackoff)))
	require.Equal(t, 3, refreshCalls)
	require.True(t, loggedOut)
	require.Equal(t, StateStopped, k.State())
}

func TestKeeper_ActivityIgnoredWithoutFocus(t *testing.T) {
	t.Parallel()

	k, clock := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		return time.Time{}, nil
	}, nil)

	before := k.lastActivity
	k.SetFocused(false)
	clock.Advance(10 * time.Second)
	k.RecordActivity()

	require.Equal(t, before, k.lastActivity)

	k.SetFocused(true)
	k.RecordActivity()
	require.True(t, k.lastActivity.After(before))
}

func TestKeeper_SubscribeObservesTransitions(t *testing.T) {
	t.Parallel()

	var states []State
	var clock *fakeClock
	k, clock := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		return clock.Now().Add(time.Hour), nil
	}, nil)
	k.Subscribe(func(s State) { states = append(states, s) })

	k.SetFocused(true)
	k.SetAccessExpiry(clock.Now().Add(10 * time.Second))

	k.RecordActivity()
	require.True(t, k.step(clock.Advance(time.Second)))

	require.Equal(t, []State{StateRefreshing, StateIdle}, states)
}

func TestKeeper_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	k, _ := newTestKeeper(testConfig(), func(context.Context) (time.Time, error) {
		return time.Time{}, nil
	}, nil)

	k.Stop()
	k.Stop()
	require.Equal(t, StateStopped, k.State())

	require.ErrorIs(t, k.Start(context.Background()), ErrStopped)
}

func TestKeeper_StartHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond

	k := New(cfg, func(context.Context) (time.Time, error) {
		return time.Time{}, nil
	}, nil)
	k.SetFocused(true)
	k.SetAccessExpiry(time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := k.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateStopped, k.State())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "refreshing", StateRefreshing.String())
	require.Equal(t, "stopped", StateStopped.String())
}
