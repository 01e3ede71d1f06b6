package server

import (
	"sort"
	"sync"
	"time"

	"github.com/driftworks/fleethub/proto"
)

// MemStore is the in-process RecentMessageStore: per-kind slices kept in
// timestamp order, with a retention window and an entry cap. A clustered
// deployment swaps this for an adapter over a shared cache; the query
// contract is identical.
type MemStore struct {
	mu         sync.RWMutex
	retention  time.Duration
	maxEntries int
	entries    map[proto.Kind][]proto.Message
	seen       map[proto.Kind]map[string]struct{}

	nowMicro func() int64 // overridable in tests
}

func NewMemStore(retention time.Duration, maxEntries int) *MemStore {
	return &MemStore{
		retention:  retention,
		maxEntries: maxEntries,
		entries:    make(map[proto.Kind][]proto.Message),
		seen:       make(map[proto.Kind]map[string]struct{}),
		nowMicro:   func() int64 { return time.Now().UnixMicro() },
	}
}

func (s *MemStore) Put(msg proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[msg.Kind] == nil {
		s.seen[msg.Kind] = make(map[string]struct{})
	}
	if _, dup := s.seen[msg.Kind][msg.ID]; dup {
		return nil
	}
	s.seen[msg.Kind][msg.ID] = struct{}{}

	// The shared clock hands out increasing timestamps, so this is an append
	// in the common case; sorted insert keeps the invariant regardless.
	list := s.entries[msg.Kind]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > msg.Timestamp })
	list = append(list, proto.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.entries[msg.Kind] = list

	s.evict(msg.Kind)
	return nil
}

// evict must be called with the write lock held.
func (s *MemStore) evict(kind proto.Kind) {
	list := s.entries[kind]
	cutoff := s.cutoff()
	drop := 0
	for drop < len(list) && list[drop].Timestamp < cutoff {
		drop++
	}
	if over := len(list) - drop - s.maxEntries; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	for _, m := range list[:drop] {
		delete(s.seen[kind], m.ID)
	}
	s.entries[kind] = append(list[:0:0], list[drop:]...)
}

func (s *MemStore) cutoff() int64 {
	return s.nowMicro() - s.retention.Microseconds()
}

func (s *MemStore) Query(q StoreQuery) ([]proto.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = s.maxEntries
	}
	cutoff := s.cutoff()
	if q.Since > cutoff {
		cutoff = q.Since
	}

	list := s.entries[q.Kind]
	out := make([]proto.Message, 0)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		m := list[i]
		if m.Timestamp <= cutoff {
			break
		}
		if !matchesSet(q.Keys, m.RouteKey()) || !matchesSet(q.Names, m.Name) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func matchesSet(set []string, v string) bool {
	if set == nil {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
