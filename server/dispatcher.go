package server

import (
	"fmt"
	"log/slog"

	"github.com/driftworks/fleethub/proto"
)

// Dispatcher fans a published message out to every matching, authorized
// subscription.
type Dispatcher struct {
	registry *SubscriptionRegistry
	store    RecentMessageStore
}

func NewDispatcher(registry *SubscriptionRegistry, store RecentMessageStore) *Dispatcher {
	return &Dispatcher{registry: registry, store: store}
}

// Publish writes the message to the recent-message store, then fires each
// matching subscription's callback on its own goroutine. The store write
// comes first so a poll racing with this publish either sees the message
// during catch-up or is already registered and receives it here; the
// single-shot guard keeps it from getting both. Fan-out is fire-and-forget:
// a slow or stuck subscriber never stalls the publisher or the other
// candidates. Single-shot subscriptions leave the registry before their
// callback runs.
func (d *Dispatcher) Publish(msg proto.Message) error {
	if err := d.store.Put(msg); err != nil {
		return fmt.Errorf("storing %s %s: %w", msg.Kind, msg.ID, err)
	}

	candidates := 0
	for _, sub := range d.registry.Match(msg.Kind, msg.RouteKey(), msg.Name) {
		if !sub.Identity.Allowed(msg) {
			continue
		}
		if !sub.Persistent {
			d.registry.Remove(sub.ID)
		}
		go d.invoke(sub, msg)
		candidates++
	}

	slog.Debug("Message dispatched",
		"kind", msg.Kind,
		"device", msg.DeviceGUID,
		"name", msg.Name,
		"subscribers", candidates,
	)
	return nil
}

// invoke isolates one callback: a panicking subscriber must not take its
// dispatch goroutine down noisily.
func (d *Dispatcher) invoke(sub *Subscription, msg proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscription callback panicked", "subscriptionId", sub.ID, "panic", r)
		}
	}()
	sub.fire(msg)
}
