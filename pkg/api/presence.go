package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultHeartbeatInterval matches the web client's one-minute heartbeat.
const DefaultHeartbeatInterval = 60 * time.Second

// Presence re-asserts online=true for one user on a fixed interval and
// flips to offline on Stop. The offline write on shutdown is best-effort:
// an abrupt exit loses it, and peers keep seeing the last heartbeat time
// until the next session. The backend is the authority for nothing here;
// presence is telemetry, not state.
type Presence struct {
	store    Store
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
}

func NewPresence(store Store, clk clock.Clock, interval time.Duration) *Presence {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Presence{store: store, clock: clk, interval: interval}
}

// Start writes online immediately and then once per interval until Stop or
// ctx cancellation. Starting while already running restarts the loop for the
// new user.
func (p *Presence) Start(ctx context.Context, userID string) {
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.userID = userID
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx, userID)
}

func (p *Presence) run(ctx context.Context, userID string) {
	p.beat(ctx, userID)
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx, userID)
		}
	}
}

func (p *Presence) beat(ctx context.Context, userID string) {
	err := p.store.MergeUser(ctx, userID, Fields{"online": true, "lastSeen": ServerTimestamp})
	if err != nil && ctx.Err() == nil {
		jww.WARN.Printf("presence heartbeat for %s failed: %v", userID, err)
	}
}

// Stop halts the heartbeat and issues one offline write with a short
// deadline. The write racing process exit may be lost; see type comment.
func (p *Presence) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	userID := p.userID
	p.cancel = nil
	p.userID = ""
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	err := p.store.MergeUser(ctx, userID, Fields{"online": false, "lastSeen": ServerTimestamp})
	if err != nil {
		jww.WARN.Printf("offline write for %s failed: %v", userID, err)
	}
}

// Watch subscribes to a peer's user document for presence rendering.
func (p *Presence) Watch(ctx context.Context, peerID string) (*Subscription[*User], error) {
	return p.store.WatchUser(ctx, peerID)
}

// FormatLastSeen renders the presence line for a peer: "online" while the
// flag is set, otherwise the last-seen time ("today at 15:04" for same-day,
// "02/01 at 15:04" otherwise). Empty when nothing is known.
func FormatLastSeen(u *User, now time.Time) string {
	if u == nil {
		return ""
	}
	if u.Online {
		return "online"
	}
	if u.LastSeen.IsZero() {
		return ""
	}
	seen := u.LastSeen.In(now.Location())
	day := "today"
	y1, m1, d1 := seen.Date()
	y2, m2, d2 := now.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		day = seen.Format("02/01")
	}
	return fmt.Sprintf("last seen %s at %s", day, seen.Format("15:04"))
}
