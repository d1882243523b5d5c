package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"render-realtime/internal/events"
)

const DefaultProgressWindow = 500 * time.Millisecond

// Throttle admits at most one event per window for each (user, job, kind).
// Kinds that are not rate limited always pass. Keys are spread over shards
// so unrelated jobs do not serialise on one lock.
type Throttle struct {
	shards [throttleShards]throttleShard
	window time.Duration
	now    func() time.Time
}

const throttleShards = 32

type throttleShard struct {
	mu       sync.Mutex
	limiters map[throttleKey]*throttleEntry
}

type throttleKey struct {
	userID string
	jobID  string
	kind   events.Kind
}

type throttleEntry struct {
	limiter     *rate.Limiter
	lastAllowed time.Time
}

func NewThrottle(window time.Duration) *Throttle {
	return NewThrottleWithNow(window, time.Now)
}

func NewThrottleWithNow(window time.Duration, now func() time.Time) *Throttle {
	if window <= 0 {
		window = DefaultProgressWindow
	}
	t := &Throttle{window: window, now: now}
	for i := range t.shards {
		t.shards[i].limiters = make(map[throttleKey]*throttleEntry)
	}
	return t
}

func (t *Throttle) Window() time.Duration { return t.window }

func (t *Throttle) shard(key throttleKey) *throttleShard {
	d := xxhash.New()
	_, _ = d.WriteString(key.userID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(key.jobID)
	_, _ = d.Write([]byte{0, byte(key.kind)})
	return &t.shards[d.Sum64()%throttleShards]
}

func (t *Throttle) Allow(userID, jobID string, kind events.Kind) bool {
	if !kind.Throttled() {
		return true
	}

	key := throttleKey{userID: userID, jobID: jobID, kind: kind}
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	entry, ok := s.limiters[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.window), 1)}
		s.limiters[key] = entry
	}
	if !entry.limiter.AllowN(now, 1) {
		return false
	}
	entry.lastAllowed = now
	return true
}

// Reset forgets every recorded emission.
func (t *Throttle) Reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.limiters = make(map[throttleKey]*throttleEntry)
		s.mu.Unlock()
	}
}

// Sweep drops entries whose window has fully elapsed. A dropped entry admits
// the next event exactly like a retained one would, so sweeping only bounds
// memory.
func (t *Throttle) Sweep() int {
	now := t.now()
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, entry := range s.limiters {
			if now.Sub(entry.lastAllowed) >= t.window {
				delete(s.limiters, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *Throttle) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.limiters)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
