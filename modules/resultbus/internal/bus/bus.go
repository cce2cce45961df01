package bus

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// sink is where one subscriber's events land. offer never blocks and
// reports whether an event was lost.
type sink interface {
	offer(ev perception.Event) (lost bool)
	shutdown()
}

// chanSink backs DropNew: the incoming event is lost when the channel is
// full. The channel belongs to the subscriber and is never closed here.
type chanSink struct {
	ch chan<- perception.Event
}

func (s chanSink) offer(ev perception.Event) bool {
	select {
	case s.ch <- ev:
		return false
	default:
		return true
	}
}

func (s chanSink) shutdown() {}

type subscription struct {
	policy  DropPolicy
	sink    sink
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (s *subscription) deliver(ev perception.Event) {
	if s.sink.offer(ev) {
		s.dropped.Add(1)
		return
	}
	s.sent.Add(1)
}

func (s *subscription) snapshot() SubscriberStats {
	return SubscriberStats{
		Policy:  s.policy,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
	}
}

type bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscription
	published atomic.Uint64
	closed    bool
}

// New returns an empty bus.
func New() Bus {
	return &bus{subs: make(map[string]*subscription)}
}

// add registers sub under id. Callers validate their own arguments first.
func (b *bus) add(id string, sub *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return ErrBusClosed
	case b.subs[id] != nil:
		return ErrSubscriberExists
	}
	b.subs[id] = sub
	return nil
}

func (b *bus) Subscribe(id string, ch chan<- perception.Event) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(id, &subscription{policy: DropNew, sink: chanSink{ch: ch}})
}

func (b *bus) SubscribeDropOld(id string) (Receiver, error) {
	r := newLatest()
	if err := b.add(id, &subscription{policy: DropOld, sink: r}); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish hands ev to every subscriber. The read lock only guards the
// subscriber set; no sink can block.
func (b *bus) Publish(ev perception.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		sub.deliver(ev)
	}
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return ErrSubscriberNotFound
	}
	sub.sink.shutdown()
	return nil
}

func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BusStats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, sub := range b.subs {
		s := sub.snapshot()
		out.TotalSent += s.Sent
		out.TotalDropped += s.Dropped
		out.Subscribers[id] = s
	}
	return out
}

// Close stops delivery and wakes every DropOld reader. Idempotent.
func (b *bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.sink.shutdown()
	}
}

// latest is the DropOld Receiver: a single slot that a newer event
// overwrites.
type latest struct {
	mu     sync.Mutex
	ready  *sync.Cond
	slot   perception.Event
	full   bool
	closed bool
}

func newLatest() *latest {
	l := &latest{}
	l.ready = sync.NewCond(&l.mu)
	return l
}

// offer overwrites the slot; an unread event being replaced counts as lost.
func (l *latest) offer(ev perception.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	lost := l.full
	l.slot, l.full = ev, true
	l.ready.Signal()
	return lost
}

func (l *latest) shutdown() { l.Close() }

func (l *latest) Receive() (perception.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.full && !l.closed {
		l.ready.Wait()
	}
	return l.takeLocked()
}

func (l *latest) TryReceive() (perception.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return perception.Event{}, false
	}
	return l.takeLocked()
}

func (l *latest) takeLocked() (perception.Event, bool) {
	if l.closed {
		return perception.Event{}, false
	}
	ev := l.slot
	l.slot, l.full = perception.Event{}, false
	return ev, true
}

func (l *latest) Clear() {
	l.mu.Lock()
	l.slot, l.full = perception.Event{}, false
	l.mu.Unlock()
}

func (l *latest) Close() {
	l.mu.Lock()
	l.closed = true
	l.ready.Broadcast()
	l.mu.Unlock()
}
