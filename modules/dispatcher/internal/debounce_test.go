package internal

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"testing/quick"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

// TestDebouncer_Scenario pins the reference sequence:
// min interval 100ms, frames at 0, 50, 100, 180, 210 → admitted 0, 100, 210.
func TestDebouncer_Scenario(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)

	var admitted []int
	for _, ms := range []int{0, 50, 100, 180, 210} {
		if d.Admit(at(ms)) {
			admitted = append(admitted, ms)
		}
	}

	want := []int{0, 100, 210}
	if len(admitted) != len(want) {
		t.Fatalf("admitted %v, want %v", admitted, want)
	}
	for i := range want {
		if admitted[i] != want[i] {
			t.Fatalf("admitted %v, want %v", admitted, want)
		}
	}
}

// TestDebouncer_Property_SpacingAndGreedy checks, for random increasing
// timestamp sequences, that admitted frames are spaced by at least minGap
// and that every rejected frame is within minGap of the last admission.
func TestDebouncer_Property_SpacingAndGreedy(t *testing.T) {
	const minGap = 100 * time.Millisecond

	property := func(gaps []uint8) bool {
		d := NewDebouncer(minGap)

		var (
			now      time.Time = epoch
			last     time.Time
			hasLast  bool
			admitted []time.Time
		)
		for _, g := range gaps {
			now = now.Add(time.Duration(g) * time.Millisecond)
			ok := d.Admit(now)

			if hasLast && now.Sub(last) >= minGap && !ok {
				return false // should have been admitted
			}
			if hasLast && now.Sub(last) < minGap && ok {
				return false // should have been discarded
			}
			if ok {
				last, hasLast = now, true
				admitted = append(admitted, now)
			}
		}

		for i := 1; i < len(admitted); i++ {
			if admitted[i].Sub(admitted[i-1]) < minGap {
				return false
			}
		}
		return len(gaps) == 0 || len(admitted) >= 1
	}

	cfg := &quick.Config{MaxCount: 500, Rand: rand.New(rand.NewSource(42))}
	if err := quick.Check(property, cfg); err != nil {
		t.Error(err)
	}
}

// TestDebouncer_Property_RateBound checks that within any window of
// length W at most floor(W/minGap)+1 frames are admitted.
func TestDebouncer_Property_RateBound(t *testing.T) {
	const minGap = 100 * time.Millisecond

	property := func(offsets []uint16) bool {
		times := make([]time.Time, len(offsets))
		for i, o := range offsets {
			times[i] = epoch.Add(time.Duration(o) * time.Millisecond)
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		d := NewDebouncer(minGap)
		var admitted []time.Time
		for _, ts := range times {
			if d.Admit(ts) {
				admitted = append(admitted, ts)
			}
		}

		const window = time.Second
		for i := range admitted {
			count := 0
			for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < window; j++ {
				count++
			}
			if count > int(window/minGap)+1 {
				return false
			}
		}
		return true
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func TestDebouncer_ZeroIntervalAdmitsAll(t *testing.T) {
	d := NewDebouncer(0)
	for i := 0; i < 10; i++ {
		if !d.Admit(epoch) {
			t.Fatalf("frame %d rejected with debouncing disabled", i)
		}
	}
}

func TestDebouncer_Reset(t *testing.T) {
	d := NewDebouncer(time.Second)
	d.Admit(at(0))
	if d.Admit(at(10)) {
		t.Fatal("frame inside the window must be rejected")
	}
	d.Reset()
	if !d.Admit(at(20)) {
		t.Fatal("first frame after Reset must be admitted")
	}
}

// TestDebouncer_ConcurrentProducers checks that concurrent Admit calls
// with the same timestamp admit exactly one frame. Run with -race.
func TestDebouncer_ConcurrentProducers(t *testing.T) {
	d := NewDebouncer(time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Admit(epoch) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted %d frames, want 1", admitted)
	}
}
