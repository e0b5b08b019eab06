package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// beatStore records every MergeUser call so heartbeat cadence and payloads
// can be asserted. The remaining Store methods are never reached.
type beatStore struct {
	Store

	mu    sync.Mutex
	beats []Fields
}

func (s *beatStore) MergeUser(_ context.Context, _ string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats = append(s.beats, fields)
	return nil
}

func (s *beatStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beats)
}

func (s *beatStore) last() Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats[len(s.beats)-1]
}

// Tests that Start writes online immediately and then once per interval, and
// that Stop issues a final offline write.
func TestPresence_HeartbeatAndStop(t *testing.T) {
	store := &beatStore{}
	clk := clock.NewMock()
	p := NewPresence(store, clk, time.Minute)

	p.Start(context.Background(), "9876543210")
	require.Eventually(t, func() bool { return store.count() == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, true, store.last()["online"])
	require.Equal(t, ServerTimestamp, store.last()["lastSeen"])

	// Let the ticker attach before advancing the clock.
	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return store.count() == 2 },
		time.Second, 5*time.Millisecond)

	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return store.count() == 3 },
		time.Second, 5*time.Millisecond)

	p.Stop()
	require.Eventually(t, func() bool { return store.count() == 4 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, false, store.last()["online"])

	// Stopped: no further beats.
	clk.Add(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 4, store.count())
}

// Tests that Stop before Start is a no-op and writes nothing.
func TestPresence_StopIdle(t *testing.T) {
	store := &beatStore{}
	p := NewPresence(store, clock.NewMock(), time.Minute)
	p.Stop()
	require.Equal(t, 0, store.count())
}

// Tests the presence line rendering: online flag wins, same-day last seen
// uses "today", older ones use the short date, unknown is empty.
func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2024, 3, 15, 18, 30, 0, 0, time.UTC)

	require.Equal(t, "", FormatLastSeen(nil, now))
	require.Equal(t, "", FormatLastSeen(&User{}, now))
	require.Equal(t, "online", FormatLastSeen(&User{Online: true}, now))

	sameDay := &User{LastSeen: time.Date(2024, 3, 15, 9, 5, 0, 0, time.UTC)}
	require.Equal(t, "last seen today at 09:05", FormatLastSeen(sameDay, now))

	older := &User{LastSeen: time.Date(2024, 3, 1, 22, 45, 0, 0, time.UTC)}
	require.Equal(t, "last seen 01/03 at 22:45", FormatLastSeen(older, now))
}
