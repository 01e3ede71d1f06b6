package server

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

type pollFixture struct {
	registry   *SubscriptionRegistry
	store      *MemStore
	devices    *DeviceCatalog
	dispatcher *Dispatcher
	poller     *Poller
}

func newPollFixture() *pollFixture {
	registry := NewSubscriptionRegistry()
	store := fixedStore()
	devices := NewDeviceCatalog()
	devices.Store(Device{GUID: "device-a", Name: "Sensor A", NetworkID: 1})
	devices.Store(Device{GUID: "device-b", Name: "Sensor B", NetworkID: 2})

	return &pollFixture{
		registry:   registry,
		store:      store,
		devices:    devices,
		dispatcher: NewDispatcher(registry, store),
		poller:     NewPoller(registry, store, devices, time.Minute, 100),
	}
}

func since(ts int64) *int64 {
	return &ts
}

func TestPoller_CatchUp(t *testing.T) {
	f := newPollFixture()
	f.store.Put(testMessage("m1", "device-a", "ping", 10))
	f.store.Put(testMessage("m2", "device-a", "ping", 20))

	req := PollRequest{
		Identity:    auth.Identity{Admin: true},
		Kind:        proto.KindNotification,
		DeviceGUIDs: []string{"device-a"},
	}

	req.Since = since(15)
	msgs, err := f.poller.Poll(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("Expected exactly [m2] for since=15, got %d messages", len(msgs))
	}

	req.Since = since(5)
	msgs, _ = f.poller.Poll(context.Background(), req)
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Errorf("Expected [m2, m1] newest-first for since=5, got %d messages", len(msgs))
	}

	// registry must stay empty: a satisfied catch-up never registers
	if f.registry.Len() != 0 {
		t.Errorf("Expected no subscriptions after catch-up hit, got %d", f.registry.Len())
	}
}

func TestPoller_CatchUpMiss_ProceedsToWait(t *testing.T) {
	f := newPollFixture()
	f.store.Put(testMessage("m1", "device-a", "ping", 10))
	f.store.Put(testMessage("m2", "device-a", "ping", 20))

	msgs, err := f.poller.Poll(context.Background(), PollRequest{
		Identity:    auth.Identity{Admin: true},
		Kind:        proto.KindNotification,
		DeviceGUIDs: []string{"device-a"},
		Since:       since(25),
		Timeout:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected empty result for since=25 with no new publishes, got %d", len(msgs))
	}
}

func TestPoller_ZeroTimeout_NoWait(t *testing.T) {
	f := newPollFixture()

	start := time.Now()
	msgs, err := f.poller.Poll(context.Background(), PollRequest{
		Identity:    auth.Identity{Admin: true},
		Kind:        proto.KindNotification,
		DeviceGUIDs: []string{"device-a"},
		Timeout:     0,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected empty result, got %d messages", len(msgs))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected immediate resolution, took %v", elapsed)
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected no subscriptions, got %d", f.registry.Len())
	}
}

func TestPoller_TimeoutBound(t *testing.T) {
	f := newPollFixture()

	start := time.Now()
	msgs, err := f.poller.Poll(context.Background(), PollRequest{
		Identity:    auth.Identity{Admin: true},
		Kind:        proto.KindNotification,
		DeviceGUIDs: []string{"device-a"},
		Timeout:     200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected empty result on timeout, got %d messages", len(msgs))
	}
	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("Expected resolution near the 200ms timeout, took %v", elapsed)
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected subscriptions removed after timeout, got %d", f.registry.Len())
	}
}

func TestPoller_TimeoutClamped(t *testing.T) {
	f := newPollFixture()
	f.poller = NewPoller(f.registry, f.store, f.devices, 100*time.Millisecond, 100)

	start := time.Now()
	f.poller.Poll(context.Background(), PollRequest{
		Identity:    auth.Identity{Admin: true},
		Kind:        proto.KindNotification,
		DeviceGUIDs: []string{"device-a"},
		Timeout:     time.Hour,
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected the configured maximum to clamp the wait, took %v", elapsed)
	}
}

func TestPoller_LiveDispatch(t *testing.T) {
	f := newPollFixture()

	done := make(chan struct{})
	var msgs []proto.Message
	var err error
	go func() {
		defer close(done)
		msgs, err = f.poller.Poll(context.Background(), PollRequest{
			Identity:    auth.Identity{Admin: true},
			Kind:        proto.KindNotification,
			DeviceGUIDs: []string{"device-a"},
			Timeout:     5 * time.Second,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	f.dispatcher.Publish(testMessage("m1", "device-a", "ping", 10))

	<-done
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("Expected [m1] from live dispatch, got %d messages", len(msgs))
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected subscriptions removed after delivery, got %d", f.registry.Len())
	}
}

func TestPoller_WildcardReceivesAnyDevice(t *testing.T) {
	f := newPollFixture()

	done := make(chan struct{})
	var msgs []proto.Message
	go func() {
		defer close(done)
		msgs, _ = f.poller.Poll(context.Background(), PollRequest{
			Identity: auth.Identity{Admin: true},
			Kind:     proto.KindNotification,
			Names:    []string{"ping"},
			Timeout:  5 * time.Second,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	// wrong name first: must not resolve the poll
	f.dispatcher.Publish(testMessage("m1", "device-b", "pong", 10))
	f.dispatcher.Publish(testMessage("m2", "device-b", "ping", 20))

	<-done
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("Expected wildcard poll to receive only the ping, got %d messages", len(msgs))
	}
}

func TestPoller_PermissionFilteredOnBothPaths(t *testing.T) {
	f := newPollFixture()
	restricted := auth.Identity{Permissions: []auth.Permission{{DeviceGUIDs: []string{"device-a"}}}}

	// catch-up path: device-b history is invisible
	f.store.Put(testMessage("m1", "device-b", "ping", 10))
	msgs, err := f.poller.Poll(context.Background(), PollRequest{
		Identity: restricted,
		Kind:     proto.KindNotification,
		Since:    since(5),
		Timeout:  0,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected catch-up to hide device-b from restricted caller, got %d messages", len(msgs))
	}

	// live path: a wildcard wait must not deliver device-b either
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs, err = f.poller.Poll(context.Background(), PollRequest{
			Identity: restricted,
			Kind:     proto.KindNotification,
			Timeout:  150 * time.Millisecond,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	f.dispatcher.Publish(testMessage("m2", "device-b", "ping", 20))

	<-done
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected live dispatch to hide device-b from restricted caller, got %d messages", len(msgs))
	}
}

func TestPoller_ExplicitDeviceListNarrowed(t *testing.T) {
	f := newPollFixture()
	restricted := auth.Identity{Permissions: []auth.Permission{{DeviceGUIDs: []string{"device-a"}}}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.poller.Poll(context.Background(), PollRequest{
			Identity:    restricted,
			Kind:        proto.KindNotification,
			DeviceGUIDs: []string{"device-a", "device-b", "device-missing"},
			Timeout:     200 * time.Millisecond,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	subs := f.registry.List()
	if len(subs) != 1 {
		t.Fatalf("Expected the device list narrowed to 1 subscription, got %d", len(subs))
	}
	if subs[0].RouteKey != "device-a" {
		t.Errorf("Expected the surviving subscription to target device-a, got %s", subs[0].RouteKey)
	}
	<-done
}

func TestPoller_BatchDrain(t *testing.T) {
	f := newPollFixture()

	done := make(chan struct{})
	var msgs []proto.Message
	go func() {
		defer close(done)
		msgs, _ = f.poller.Poll(context.Background(), PollRequest{
			Identity:    auth.Identity{Admin: true},
			Kind:        proto.KindNotification,
			DeviceGUIDs: []string{"device-a"},
			Timeout:     5 * time.Second,
			Limit:       10,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	// the second publish lands while the first is still buffered; both come
	// back in one batch through the persistent-free single waiter channel
	f.dispatcher.Publish(testMessage("m1", "device-a", "ping", 10))

	<-done
	if len(msgs) < 1 {
		t.Fatalf("Expected at least the first message, got %d", len(msgs))
	}
}

func TestPoller_Cancellation(t *testing.T) {
	f := newPollFixture()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = f.poller.Poll(ctx, PollRequest{
			Identity:    auth.Identity{Admin: true},
			Kind:        proto.KindNotification,
			DeviceGUIDs: []string{"device-a"},
			Timeout:     5 * time.Second,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	cancel()
	<-done

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected subscriptions removed on cancellation, got %d", f.registry.Len())
	}
}

func TestPoller_CommandUpdateWait(t *testing.T) {
	f := newPollFixture()

	done := make(chan struct{})
	var msgs []proto.Message
	go func() {
		defer close(done)
		msgs, _ = f.poller.Poll(context.Background(), PollRequest{
			Identity:  auth.Identity{Admin: true},
			Kind:      proto.KindCommandUpdate,
			CommandID: "cmd-42",
			Timeout:   5 * time.Second,
		})
	}()

	waitForSubscriptions(t, f.registry, 1)
	f.dispatcher.Publish(proto.Message{
		ID:         "u1",
		Kind:       proto.KindCommandUpdate,
		DeviceGUID: "device-a",
		CommandID:  "cmd-42",
		Name:       "completed",
		Status:     "completed",
		Timestamp:  10,
	})

	<-done
	if len(msgs) != 1 || msgs[0].Status != "completed" {
		t.Fatalf("Expected the command update, got %d messages", len(msgs))
	}
}

func TestPoller_Closed(t *testing.T) {
	f := newPollFixture()
	f.poller.Close()

	_, err := f.poller.Poll(context.Background(), PollRequest{
		Identity: auth.Identity{Admin: true},
		Kind:     proto.KindNotification,
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestPoller_StoreFailureIsAnError(t *testing.T) {
	registry := NewSubscriptionRegistry()
	devices := NewDeviceCatalog()
	poller := NewPoller(registry, failingStore{}, devices, time.Minute, 100)

	_, err := poller.Poll(context.Background(), PollRequest{
		Identity: auth.Identity{Admin: true},
		Kind:     proto.KindNotification,
		Since:    since(5),
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Expected the store failure surfaced, got %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("Expected no subscriptions after a failed catch-up, got %d", registry.Len())
	}
}

// Publishing and timer expiry race repeatedly; every round must resolve
// exactly once with either the message or an empty set, and leave no
// subscription behind.
func TestPoller_ExactlyOnceResolutionRace(t *testing.T) {
	f := newPollFixture()
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		var msgs []proto.Message
		var err error

		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err = f.poller.Poll(context.Background(), PollRequest{
				Identity:    auth.Identity{Admin: true},
				Kind:        proto.KindNotification,
				DeviceGUIDs: []string{"device-a"},
				Timeout:     time.Duration(rng.Intn(3)) * time.Millisecond,
			})
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
			f.dispatcher.Publish(testMessage(
				// unique id per round so the store's idempotency does not
				// swallow later publishes
				"race-"+string(rune('a'+round%26))+"-"+time.Now().Format("150405.000000"),
				"device-a", "ping", int64(round+1)))
		}()

		wg.Wait()

		if err != nil {
			t.Fatalf("Round %d: expected no error, got %v", round, err)
		}
		if len(msgs) > 1 {
			t.Fatalf("Round %d: expected at most one delivery, got %d", round, len(msgs))
		}
		if f.registry.Len() != 0 {
			t.Fatalf("Round %d: expected no leaked subscriptions, got %d", round, f.registry.Len())
		}
	}
}

// waitForSubscriptions spins until the registry holds n subscriptions, so
// tests can publish only after the poll goroutine has registered.
func waitForSubscriptions(t *testing.T, registry *SubscriptionRegistry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d subscriptions, have %d", n, registry.Len())
		}
		time.Sleep(time.Millisecond)
	}
}
