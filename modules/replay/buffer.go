// Package replay builds the sampled result buffer for recorded assets.
//
// Before a recorded asset is played back, PreScan extracts one frame every
// Interval (default 300ms), runs inference on each and stores the results
// in a Buffer. buffer.At(i) covers the interval [i*Interval, (i+1)*Interval).
//
// A Buffer is immutable once PreScan returns it: the playback synchronizer
// reads it from its own goroutine without locks.
package replay

import (
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// DefaultInterval is the sampling period Δ.
const DefaultInterval = 300 * time.Millisecond

// Buffer is an ordered, index-addressed sequence of results sampled at a
// fixed interval. Indices whose inference failed may be gaps.
type Buffer struct {
	interval     time.Duration
	results      []perception.ResultFrame
	present      []bool
	gaps         []int
	sourceWidth  int
	sourceHeight int
}

// NewBuffer wraps already computed results (no gaps). The slice is
// copied. interval <= 0 means DefaultInterval.
func NewBuffer(interval time.Duration, results []perception.ResultFrame) *Buffer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := &Buffer{
		interval: interval,
		results:  append([]perception.ResultFrame(nil), results...),
		present:  make([]bool, len(results)),
	}
	for i, r := range results {
		b.present[i] = true
		if b.sourceWidth == 0 && r.SourceWidth > 0 {
			b.sourceWidth, b.sourceHeight = r.SourceWidth, r.SourceHeight
		}
	}
	return b
}

// Len returns the number of sampled intervals, gaps included.
func (b *Buffer) Len() int { return len(b.results) }

// Interval returns the sampling period.
func (b *Buffer) Interval() time.Duration { return b.interval }

// Duration is the playback span covered by the buffer.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(len(b.results)) * b.interval
}

// At returns the result for interval i. ok is false for gaps and for
// indices outside [0, Len).
func (b *Buffer) At(i int) (perception.ResultFrame, bool) {
	if i < 0 || i >= len(b.results) || !b.present[i] {
		return perception.ResultFrame{}, false
	}
	return b.results[i], true
}

// IsGap reports whether interval i exists but has no result.
func (b *Buffer) IsGap(i int) bool {
	return i >= 0 && i < len(b.results) && !b.present[i]
}

// Gaps returns the indices whose inference failed, ascending.
func (b *Buffer) Gaps() []int {
	return append([]int(nil), b.gaps...)
}

// IndexFor resolves an elapsed playback time to a buffer index:
// floor(elapsed / Interval). Negative elapsed time resolves to 0. The
// result may be >= Len, which means playback is past the end.
func (b *Buffer) IndexFor(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / b.interval)
}

// SourceSize returns the image dimensions shared by every entry.
func (b *Buffer) SourceSize() (width, height int) {
	return b.sourceWidth, b.sourceHeight
}
