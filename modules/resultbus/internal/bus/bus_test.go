package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan perception.Event, 10)
	if err := b.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(perception.Event{Index: 1})

	select {
	case received := <-ch:
		if received.Index != 1 {
			t.Errorf("Expected index 1, got %d", received.Index)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish never blocks on a full channel.
func TestNonBlockingPublish(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan perception.Event, 1)
	if err := b.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish(perception.Event{Index: 1})
		b.Publish(perception.Event{Index: 2}) // buffer full, dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if received := <-ch; received.Index != 1 {
		t.Errorf("Expected index 1, got %d", received.Index)
	}

	sub := b.Stats().Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %d / %d", sub.Sent, sub.Dropped)
	}
}

// TestDropOldKeepsLatest verifies that a slow DropOld reader only ever
// sees the most recent event.
func TestDropOldKeepsLatest(t *testing.T) {
	b := New()
	defer b.Close()

	recv, err := b.SubscribeDropOld("presenter")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		b.Publish(perception.Event{Index: i})
	}

	ev, ok := recv.TryReceive()
	if !ok || ev.Index != 4 {
		t.Fatalf("TryReceive = %+v, %v; want index 4", ev, ok)
	}
	if _, ok := recv.TryReceive(); ok {
		t.Error("event must be consumed once")
	}

	sub := b.Stats().Subscribers["presenter"]
	if sub.Sent != 1 || sub.Dropped != 4 {
		t.Errorf("Expected 1 sent / 4 dropped, got %d / %d", sub.Sent, sub.Dropped)
	}
}

// TestReceiveUnblocksOnUnsubscribe verifies a blocked Receive returns
// ok=false when the subscriber is removed.
func TestReceiveUnblocksOnUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	recv, _ := b.SubscribeDropOld("r")

	result := make(chan bool, 1)
	go func() {
		_, ok := recv.Receive()
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Unsubscribe("r"); err != nil {
		t.Fatal(err)
	}

	select {
	case ok := <-result:
		if ok {
			t.Error("Receive must report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock")
	}
}

func TestClearDropsPending(t *testing.T) {
	b := New()
	defer b.Close()

	recv, _ := b.SubscribeDropOld("r")
	b.Publish(perception.Event{Index: 3})
	recv.Clear()

	if _, ok := recv.TryReceive(); ok {
		t.Error("Clear must discard the pending event")
	}
}

func TestSubscribeErrors(t *testing.T) {
	b := New()

	if err := b.Subscribe("nil", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	_ = b.Subscribe("a", make(chan perception.Event, 1))
	if err := b.Subscribe("a", make(chan perception.Event, 1)); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if err := b.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}

	b.Close()
	b.Close() // idempotent
	if _, err := b.SubscribeDropOld("late"); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	b.Publish(perception.Event{}) // no-op after close
}

// TestConcurrentPublish runs publishers and subscribers concurrently.
// Run with -race.
func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("sub-%d", i)
		ch := make(chan perception.Event, 8)
		if err := b.Subscribe(id, ch); err != nil {
			t.Fatal(err)
		}
		go func() {
			for range ch {
			}
		}()
		defer func() { _ = b.Unsubscribe(id); close(ch) }()
	}

	var pubs sync.WaitGroup
	for p := 0; p < 4; p++ {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for i := 0; i < 250; i++ {
				b.Publish(perception.Event{Index: i})
			}
		}()
	}
	pubs.Wait()

	stats := b.Stats()
	if stats.TotalPublished != 1000 {
		t.Errorf("Expected 1000 published, got %d", stats.TotalPublished)
	}
	if stats.TotalSent+stats.TotalDropped != 4000 {
		t.Errorf("Expected 4000 deliveries, got %d", stats.TotalSent+stats.TotalDropped)
	}
}
