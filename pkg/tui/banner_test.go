package tui

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestBanner_ClearsAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var changes atomic.Int32
	b := NewBanner(clock, 0, func() { changes.Add(1) })

	b.Show("Conversation error occurred")
	require.Equal(t, "Conversation error occurred", b.Text())
	require.EqualValues(t, 1, changes.Load())

	clock.Advance(DefaultBannerTTL - time.Millisecond)
	require.Equal(t, "Conversation error occurred", b.Text())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return b.Text() == "" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return changes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBanner_NewerMessageRestartsCountdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBanner(clock, 5*time.Second, nil)

	b.Show("first")
	clock.Advance(4 * time.Second)
	b.Show("second")
	clock.Advance(4 * time.Second)
	require.Equal(t, "second", b.Text())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return b.Text() == "" }, time.Second, 5*time.Millisecond)
}

func TestBanner_ClearAndStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var changes atomic.Int32
	b := NewBanner(clock, time.Second, func() { changes.Add(1) })

	b.Clear()
	require.EqualValues(t, 0, changes.Load(), "clearing an empty banner is silent")

	b.Show("x")
	b.Clear()
	require.Equal(t, "", b.Text())
	require.EqualValues(t, 2, changes.Load())

	b.Show("y")
	b.Stop()
	clock.Advance(2 * time.Second)
	require.Equal(t, "", b.Text())
	require.Never(t, func() bool { return changes.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}
