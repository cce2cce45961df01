package bus

import (
	"errors"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// Internal errors - re-exported by the resultbus package
var (
	ErrBusClosed          = errors.New("resultbus: bus is closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel provided")
)

// DropPolicy defines how the bus handles events when a subscriber cannot keep up
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// Receiver provides latest-only event access for DropOld subscribers
type Receiver interface {
	// Receive blocks until an event newer than the last one returned is
	// available. ok is false once the receiver is closed.
	Receive() (ev perception.Event, ok bool)
	// TryReceive returns the latest event without blocking.
	TryReceive() (perception.Event, bool)
	// Clear discards a pending event that was not yet received.
	Clear()
	Close()
}

// SubscriberStats tracks event delivery for one subscriber
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// BusStats is a snapshot of bus-wide and per-subscriber counters
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// Bus distributes events to multiple subscribers
type Bus interface {
	Subscribe(id string, ch chan<- perception.Event) error
	SubscribeDropOld(id string) (Receiver, error)
	Publish(ev perception.Event)
	Unsubscribe(id string) error
	Stats() BusStats
	Close()
}
