package internal

import (
	"sync"
	"time"
)

// Debouncer is the live admission gate.
//
// A frame at time t is admitted iff no frame was admitted yet, or
// t - lastAdmitted >= minInterval. Admitting sets lastAdmitted = t.
// Rejected frames leave the state untouched, so a burst never pushes the
// next admission further out.
//
// Thread-safety: Admit may be called from several producer goroutines.
// Cost: O(1), one uncontended mutex.
type Debouncer struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	hasLast     bool
}

// NewDebouncer creates a gate. minInterval <= 0 admits every frame.
func NewDebouncer(minInterval time.Duration) *Debouncer {
	return &Debouncer{minInterval: minInterval}
}

// Admit reports whether a frame captured at t should be inferred.
func (d *Debouncer) Admit(t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.minInterval > 0 && d.hasLast && t.Sub(d.last) < d.minInterval {
		return false
	}

	d.last = t
	d.hasLast = true
	return true
}

// SetMinInterval changes the gate width. The last admission time is kept.
func (d *Debouncer) SetMinInterval(minInterval time.Duration) {
	d.mu.Lock()
	d.minInterval = minInterval
	d.mu.Unlock()
}

// MinInterval returns the current gate width.
func (d *Debouncer) MinInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minInterval
}

// Reset forgets the last admission; the next frame is always admitted.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	d.last = time.Time{}
	d.hasLast = false
	d.mu.Unlock()
}
