package hub

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Conn is one live client connection as seen by the hub.
type Conn interface {
	ID() string
	// UserID is fixed once the connection is admitted.
	UserID() string
	// Emit hands an event to the connection's outbound queue without blocking.
	Emit(event string, payload any) error
	// Alive reports false once the connection has started closing.
	Alive() bool
}

// Hub tracks which connections belong to which user and which job groups.
// Each index has its own sharded locks so user-scoped lookups, job-scoped
// lookups and membership bookkeeping do not contend with each other.
type Hub struct {
	users  *index[Conn]
	jobs   *index[Conn]
	joined *index[struct{}]
}

func New() *Hub {
	return &Hub{
		users:  newIndex[Conn](),
		jobs:   newIndex[Conn](),
		joined: newIndex[struct{}](),
	}
}

func (h *Hub) AddUser(c Conn) {
	h.users.add(c.UserID(), c.ID(), c)
}

func (h *Hub) JoinJob(jobID string, c Conn) {
	h.jobs.add(jobID, c.ID(), c)
	h.joined.add(c.ID(), jobID, struct{}{})
}

// LeaveJob reports whether the connection was a member.
func (h *Hub) LeaveJob(jobID string, c Conn) bool {
	h.joined.remove(c.ID(), jobID)
	return h.jobs.remove(jobID, c.ID())
}

// Remove drops the connection from its user set and every job group.
func (h *Hub) Remove(c Conn) {
	h.users.remove(c.UserID(), c.ID())
	for _, jobID := range h.joined.keys(c.ID()) {
		h.LeaveJob(jobID, c)
	}
}

func (h *Hub) UserConns(userID string) []Conn {
	return h.users.members(userID)
}

func (h *Hub) JobConns(jobID string) []Conn {
	return h.jobs.members(jobID)
}

// UserJobConns returns the user's connections that are in the job's group.
func (h *Hub) UserJobConns(userID, jobID string) []Conn {
	members := h.jobs.members(jobID)
	out := members[:0]
	for _, c := range members {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) UserConnected(userID string) bool {
	return h.users.size(userID) > 0
}

func (h *Hub) UserConnCount(userID string) int {
	return h.users.size(userID)
}

func (h *Hub) JobsOf(c Conn) []string {
	return h.joined.keys(c.ID())
}

// Broadcast emits to every connection and returns how many accepted it.
func Broadcast(conns []Conn, event string, payload any) int {
	delivered := 0
	for _, c := range conns {
		if err := c.Emit(event, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

const shardCount = 32

type index[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu   sync.RWMutex
	sets map[string]map[string]V
}

func newIndex[V any]() *index[V] {
	idx := &index[V]{}
	for i := range idx.shards {
		idx.shards[i].sets = make(map[string]map[string]V)
	}
	return idx
}

func (idx *index[V]) shard(key string) *shard[V] {
	return &idx.shards[xxhash.Sum64String(key)%shardCount]
}

func (idx *index[V]) add(key, member string, v V) {
	if key == "" {
		return
	}
	s := idx.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]V)
		s.sets[key] = set
	}
	set[member] = v
}

func (idx *index[V]) remove(key, member string) bool {
	s := idx.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	_, present := set[member]
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return present
}

func (idx *index[V]) members(key string) []V {
	s := idx.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	out := make([]V, 0, len(set))
	for _, v := range set {
		out = append(out, v)
	}
	return out
}

func (idx *index[V]) keys(key string) []string {
	s := idx.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out
}

func (idx *index[V]) size(key string) int {
	s := idx.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[key])
}
