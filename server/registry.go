package server

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

// Wildcard is the route key of subscriptions not scoped to one device; they
// are matched against every publish of their kind.
const Wildcard = "*"

type DeliverFunc func(proto.Message)

// Subscription is one waiting callback. Poll subscriptions are single-shot:
// the callback fires at most once and the subscription is removed on
// dispatch. Persistent (WebSocket) subscriptions stay registered and may
// fire many times.
type Subscription struct {
	ID         string
	Identity   auth.Identity
	Kind       proto.Kind
	RouteKey   string   // device guid, command id for update waiters, or Wildcard
	Names      []string // empty means any name
	Persistent bool

	deliver DeliverFunc
	fired   atomic.Bool
}

func NewSubscription(identity auth.Identity, kind proto.Kind, routeKey string, names []string, persistent bool, deliver DeliverFunc) *Subscription {
	return &Subscription{
		ID:         uuid.NewString(),
		Identity:   identity,
		Kind:       kind,
		RouteKey:   routeKey,
		Names:      names,
		Persistent: persistent,
		deliver:    deliver,
	}
}

func (s *Subscription) matchesName(name string) bool {
	if len(s.Names) == 0 {
		return true
	}
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

// fire invokes the callback, enforcing at-most-once for single-shot
// subscriptions. Reports whether the callback ran.
func (s *Subscription) fire(msg proto.Message) bool {
	if !s.Persistent && !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.deliver(msg)
	return true
}

// SubscriptionRegistry indexes waiting subscriptions by kind and route key,
// with a separate bucket per kind for wildcard subscriptions. Safe for
// concurrent Add/Remove/Match.
type SubscriptionRegistry struct {
	mu       sync.RWMutex
	keyed    map[proto.Kind]map[string]map[string]*Subscription // kind -> route key -> sub id
	wildcard map[proto.Kind]map[string]*Subscription            // kind -> sub id
	byID     map[string]*Subscription
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		keyed:    make(map[proto.Kind]map[string]map[string]*Subscription),
		wildcard: make(map[proto.Kind]map[string]*Subscription),
		byID:     make(map[string]*Subscription),
	}
}

// Add registers the subscription. Re-adding an id replaces the prior entry.
func (r *SubscriptionRegistry) Add(sub *Subscription) {
	slog.Debug("Subscribing", "subscriptionId", sub.ID, "kind", sub.Kind, "key", sub.RouteKey, "persistent", sub.Persistent)
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[sub.ID]; ok {
		r.drop(prev)
	}
	r.byID[sub.ID] = sub
	if sub.RouteKey == Wildcard {
		if r.wildcard[sub.Kind] == nil {
			r.wildcard[sub.Kind] = make(map[string]*Subscription)
		}
		r.wildcard[sub.Kind][sub.ID] = sub
		return
	}
	if r.keyed[sub.Kind] == nil {
		r.keyed[sub.Kind] = make(map[string]map[string]*Subscription)
	}
	if r.keyed[sub.Kind][sub.RouteKey] == nil {
		r.keyed[sub.Kind][sub.RouteKey] = make(map[string]*Subscription)
	}
	r.keyed[sub.Kind][sub.RouteKey][sub.ID] = sub
}

// Remove deletes the subscription, reporting whether it was present.
// Removing an already-removed id is a no-op.
func (r *SubscriptionRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	r.drop(sub)
	return true
}

// drop must be called with the write lock held.
func (r *SubscriptionRegistry) drop(sub *Subscription) {
	delete(r.byID, sub.ID)
	if sub.RouteKey == Wildcard {
		delete(r.wildcard[sub.Kind], sub.ID)
		return
	}
	if keyed := r.keyed[sub.Kind][sub.RouteKey]; keyed != nil {
		delete(keyed, sub.ID)
		if len(keyed) == 0 {
			delete(r.keyed[sub.Kind], sub.RouteKey)
		}
	}
}

// Match returns every subscription of the kind whose route key equals key or
// is the wildcard, and whose name filter admits name.
func (r *SubscriptionRegistry) Match(kind proto.Kind, key, name string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.keyed[kind][key] {
		if sub.matchesName(name) {
			out = append(out, sub)
		}
	}
	for _, sub := range r.wildcard[kind] {
		if sub.matchesName(name) {
			out = append(out, sub)
		}
	}
	return out
}

func (r *SubscriptionRegistry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *SubscriptionRegistry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	return subs
}

func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
