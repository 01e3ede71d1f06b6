package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

// ErrShuttingDown rejects polls that arrive while the server is draining.
var ErrShuttingDown = errors.New("server is shutting down")

// PollRequest describes one long-poll call from the transport layer. The
// identity has already been authenticated; the poller only authorizes.
type PollRequest struct {
	Identity    auth.Identity
	Kind        proto.Kind
	DeviceGUIDs []string // nil means any accessible device (wildcard)
	CommandID   string   // set instead of DeviceGUIDs for command_update waits
	Names       []string // nil means any name
	Since       *int64   // nil means skip catch-up, wait for the next event only
	Timeout     time.Duration
	Limit       int
}

// Poller coordinates long-poll requests: catch-up query first, then an
// optional bounded wait for live dispatch. Each call resolves exactly once,
// with whatever arrived first.
type Poller struct {
	registry *SubscriptionRegistry
	store    RecentMessageStore
	devices  *DeviceCatalog

	maxWait      time.Duration
	defaultLimit int
	closed       atomic.Bool
}

func NewPoller(registry *SubscriptionRegistry, store RecentMessageStore, devices *DeviceCatalog, maxWait time.Duration, defaultLimit int) *Poller {
	return &Poller{
		registry:     registry,
		store:        store,
		devices:      devices,
		maxWait:      maxWait,
		defaultLimit: defaultLimit,
	}
}

// Close makes every subsequent Poll fail fast with ErrShuttingDown.
// In-flight polls drain via their own contexts.
func (p *Poller) Close() {
	p.closed.Store(true)
}

// Poll runs the catch-up query and, when it comes back empty, waits up to
// the clamped timeout for a matching publish. A timeout is not an error: the
// result is an empty slice. Context cancellation (connection teardown) tears
// the wait down the same way and surfaces ctx.Err().
func (p *Poller) Poll(ctx context.Context, req PollRequest) ([]proto.Message, error) {
	if p.closed.Load() {
		return nil, ErrShuttingDown
	}

	timeout := req.Timeout
	if timeout > p.maxWait {
		timeout = p.maxWait
	}
	limit := req.Limit
	if limit <= 0 {
		limit = p.defaultLimit
	}

	if req.Since != nil {
		found, err := p.catchUp(req, limit)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	if timeout <= 0 {
		return []proto.Message{}, nil
	}

	w := &waiter{ch: make(chan proto.Message, limit)}
	subs := p.register(req, w)
	defer func() {
		for _, sub := range subs {
			p.registry.Remove(sub.ID)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		w.resolve()
		return w.drain(msg, limit), nil
	case <-timer.C:
		w.resolve()
		return []proto.Message{}, nil
	case <-ctx.Done():
		w.resolve()
		return nil, ctx.Err()
	}
}

// catchUp queries the store and filters the result down to what the caller
// may see. Denied messages are dropped silently.
func (p *Poller) catchUp(req PollRequest, limit int) ([]proto.Message, error) {
	var keys []string
	if req.Kind == proto.KindCommandUpdate {
		keys = []string{req.CommandID}
	} else {
		keys = req.DeviceGUIDs
	}
	msgs, err := p.store.Query(StoreQuery{
		Kind:  req.Kind,
		Keys:  keys,
		Names: req.Names,
		Since: *req.Since,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("catch-up query: %w", err)
	}

	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		if req.Identity.Allowed(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// register creates one single-shot subscription per requested route key, all
// feeding the same waiter, and adds them to the registry. An explicit device
// list is narrowed to accessible devices first; an empty request becomes one
// wildcard subscription.
func (p *Poller) register(req PollRequest, w *waiter) []*Subscription {
	var keys []string
	switch {
	case req.Kind == proto.KindCommandUpdate:
		keys = []string{req.CommandID}
	case len(req.DeviceGUIDs) > 0:
		keys = p.devices.Accessible(req.DeviceGUIDs, req.Identity)
	default:
		keys = []string{Wildcard}
	}

	subs := make([]*Subscription, 0, len(keys))
	for _, key := range keys {
		sub := NewSubscription(req.Identity, req.Kind, key, req.Names, false, w.deliver)
		p.registry.Add(sub)
		subs = append(subs, sub)
	}
	return subs
}

// waiter is the shared completion signal between a poll's subscriptions and
// its coordinator. The resolved flag is the single-resolve guard: deliveries
// racing with timer expiry or cancellation become no-ops once it is set.
type waiter struct {
	ch       chan proto.Message
	resolved atomic.Bool
}

func (w *waiter) deliver(msg proto.Message) {
	if w.resolved.Load() {
		return
	}
	select {
	case w.ch <- msg:
	default:
	}
}

func (w *waiter) resolve() bool {
	return w.resolved.CompareAndSwap(false, true)
}

// drain collects whatever else already arrived behind the first message, up
// to the limit, without waiting.
func (w *waiter) drain(first proto.Message, limit int) []proto.Message {
	batch := []proto.Message{first}
	for len(batch) < limit {
		select {
		case m := <-w.ch:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}
