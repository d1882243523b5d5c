// Package mailbox is a best-effort store-and-forward queue for notifications
// addressed to users that have no live connection. Delivery is at least once:
// a flush only clears the entries it handed to the connection, so anything
// left over or appended meanwhile is replayed on the next connect.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"render-realtime/internal/events"
	"render-realtime/internal/metrics"
)

const DefaultTTL = 24 * time.Hour

// ListStore is the durable list backend. Range uses Redis LRANGE index
// semantics (stop -1 means the last element). TrimFront removes the first n
// entries and keeps anything appended after them.
type ListStore interface {
	Append(ctx context.Context, key string, value string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	TrimFront(ctx context.Context, key string, n int64) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Emitter receives flushed notifications.
type Emitter interface {
	Emit(event string, payload any) error
}

type Mailbox struct {
	store ListStore
	ttl   time.Duration
	log   zerolog.Logger
	locks keyedMutex
}

// New returns a mailbox; a nil store yields a mailbox whose operations are
// no-ops.
func New(store ListStore, ttl time.Duration, log zerolog.Logger) *Mailbox {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mailbox{store: store, ttl: ttl, log: log, locks: keyedMutex{m: make(map[string]*keyedLock)}}
}

func Key(userID string) string {
	return "offline:notifications:" + userID
}

func (m *Mailbox) Enabled() bool {
	return m != nil && m.store != nil
}

// Queue appends payload to the user's list and pushes its expiry out to the
// full TTL.
func (m *Mailbox) Queue(ctx context.Context, userID string, payload any) error {
	if !m.Enabled() {
		return nil
	}
	if userID == "" {
		return errors.New("missing user id")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	key := Key(userID)
	if err := m.store.Append(ctx, key, string(data)); err != nil {
		return errors.Wrapf(err, "append %s", key)
	}
	if err := m.store.Expire(ctx, key, m.ttl); err != nil {
		return errors.Wrapf(err, "expire %s", key)
	}
	metrics.MailboxQueued.Inc()
	return nil
}

// Deliver emits queued entries to c in append order and removes the ones it
// handled. Entries that fail to decode are dropped. The flush stops at the
// first failed emit and leaves that entry and the rest queued. It returns the
// number of notifications emitted.
func (m *Mailbox) Deliver(ctx context.Context, c Emitter, userID string) (int, error) {
	if !m.Enabled() || userID == "" {
		return 0, nil
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	key := Key(userID)
	entries, err := m.store.Range(ctx, key, 0, -1)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	delivered, handled := 0, 0
	var emitErr error
	for i, entry := range entries {
		var v any
		if err := json.Unmarshal([]byte(entry), &v); err != nil {
			metrics.MailboxDropped.Inc()
			m.log.Warn().Err(err).Str("user_id", userID).Int("index", i).Msg("dropping malformed notification")
			handled++
			continue
		}
		if err := c.Emit(events.EventNotification, json.RawMessage(entry)); err != nil {
			emitErr = errors.Wrap(err, "emit notification")
			break
		}
		delivered++
		handled++
	}
	metrics.MailboxDelivered.Add(float64(delivered))

	if handled > 0 {
		// Emitted entries are cleared even after the connection context ends.
		if err := m.store.TrimFront(context.WithoutCancel(ctx), key, int64(handled)); err != nil {
			return delivered, errors.CombineErrors(emitErr, errors.Wrapf(err, "clear %s", key))
		}
	}
	if emitErr != nil {
		return delivered, errors.WithDetailf(emitErr, "%d of %d entries left queued", len(entries)-handled, len(entries))
	}
	return delivered, nil
}

// Pending returns the number of queued entries for the user.
func (m *Mailbox) Pending(ctx context.Context, userID string) (int, error) {
	if !m.Enabled() {
		return 0, nil
	}
	entries, err := m.store.Range(ctx, Key(userID), 0, -1)
	if err != nil {
		return 0, errors.Wrap(err, "read mailbox")
	}
	return len(entries), nil
}

// Purge drops the user's queue without delivering it. Operational and test
// harnesses use it to reset state.
func (m *Mailbox) Purge(ctx context.Context, userID string) error {
	if !m.Enabled() {
		return nil
	}
	return m.store.Delete(ctx, Key(userID))
}

// keyedMutex serialises flushes per user so two connections of the same user
// do not both replay one list.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyedLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
