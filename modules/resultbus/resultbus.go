// Package resultbus hands inference events from producers (the live
// dispatcher, the playback synchronizer) to consumers (the presenter,
// the feedback loop, network sinks) without ever blocking the producer.
//
// Core philosophy: "Drop results, never queue. Latency > Completeness."
//
// Subscribers pick a drop policy:
//   - DropNew: buffered channel; when it is full the incoming event is dropped
//   - DropOld: latest-only receiver; a new event replaces an unread one
//
// Usage:
//
//	bus := resultbus.New()
//	defer bus.Close()
//
//	recv, _ := bus.SubscribeDropOld("presenter")
//	go presenter.Run(ctx, recv)
//
//	disp := dispatcher.New(dispatcher.Config{Handler: bus.Publish, ...})
//
// Publish is safe to pass as a perception.EventHandler.
package resultbus

import "github.com/e7canasta/perception-sync/modules/resultbus/internal/bus"

// DropPolicy defines how the bus handles events when a subscriber cannot keep up
type DropPolicy = bus.DropPolicy

const (
	// DropNew drops incoming events if the subscriber's buffer is full
	DropNew = bus.DropNew
	// DropOld keeps only the latest unread event
	DropOld = bus.DropOld
)

// Receiver provides latest-only access for DropOld subscribers
type Receiver = bus.Receiver

// SubscriberStats tracks event delivery for one subscriber
type SubscriberStats = bus.SubscriberStats

// BusStats is a snapshot of bus-wide and per-subscriber counters
type BusStats = bus.BusStats

// Bus distributes events to multiple subscribers
type Bus = bus.Bus

var (
	ErrBusClosed          = bus.ErrBusClosed
	ErrSubscriberExists   = bus.ErrSubscriberExists
	ErrSubscriberNotFound = bus.ErrSubscriberNotFound
	ErrNilChannel         = bus.ErrNilChannel
)

// New creates an empty bus.
func New() Bus {
	return bus.New()
}

// DropRate returns the fraction of deliveries that were dropped (0.0 to 1.0).
func DropRate(stats BusStats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}

// SubscriberDropRate returns the drop rate of one subscriber, 0.0 if unknown.
func SubscriberDropRate(stats BusStats, id string) float64 {
	sub, ok := stats.Subscribers[id]
	if !ok {
		return 0.0
	}
	total := sub.Sent + sub.Dropped
	if total == 0 {
		return 0.0
	}
	return float64(sub.Dropped) / float64(total)
}
