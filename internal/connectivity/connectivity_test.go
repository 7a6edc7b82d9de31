package connectivity

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *fakePinger) Ping(context.Context) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestSwitchPublishesTransitionsOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewSwitch(false)
	events, unsubscribe := monitor.Subscribe(ctx)
	defer unsubscribe()

	monitor.Set(false)
	monitor.Set(true)
	monitor.Set(true)
	monitor.Set(false)

	first := <-events
	second := <-events
	assert.True(t, first.Online)
	assert.False(t, second.Online)
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
	assert.False(t, monitor.IsOnline())
}

func TestSwitchUnsubscribeStopsDelivery(t *testing.T) {
	monitor := NewSwitch(false)
	events, unsubscribe := monitor.Subscribe(context.Background())
	unsubscribe()
	unsubscribe()

	monitor.Set(true)
	select {
	case event := <-events:
		t.Fatalf("unexpected event after unsubscribe: %+v", event)
	default:
	}
}

func TestSwitchCleanupReleasesLongLivedSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor := NewSwitch(false)
	baseline := runtime.NumGoroutine()

	for range 200 {
		_, unsubscribe := monitor.Subscribe(ctx)
		unsubscribe()
	}

	assert.Zero(t, monitor.subscriberCount())
	assert.Less(t, runtime.NumGoroutine(), baseline+20)
}

func TestSwitchContextEndUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	monitor := NewSwitch(false)
	_, unsubscribe := monitor.Subscribe(ctx)
	defer unsubscribe()
	require.Equal(t, 1, monitor.subscriberCount())

	cancel()
	require.Eventually(t, func() bool { return monitor.subscriberCount() == 0 }, time.Second, time.Millisecond)
}

func TestProberTracksPingOutcome(t *testing.T) {
	pinger := &fakePinger{}
	prober, err := NewProber(ProberConfig{Pinger: pinger, Interval: time.Hour})
	require.NoError(t, err)

	assert.False(t, prober.IsOnline())
	assert.True(t, prober.Probe(context.Background()))
	assert.True(t, prober.IsOnline())

	pinger.failing.Store(true)
	assert.False(t, prober.Probe(context.Background()))
	assert.False(t, prober.IsOnline())
}

func TestProberRunStopsWithContext(t *testing.T) {
	pinger := &fakePinger{}
	prober, err := NewProber(ProberConfig{Pinger: pinger, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, prober.Run(ctx), context.DeadlineExceeded)
	assert.GreaterOrEqual(t, pinger.calls.Load(), int32(2))
	assert.True(t, prober.IsOnline())
}

func TestNewProberRequiresPinger(t *testing.T) {
	_, err := NewProber(ProberConfig{})
	assert.ErrorIs(t, err, errMissingPinger)
}
