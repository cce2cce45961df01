package feedback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/perception-sync/modules/feedback"
	"github.com/e7canasta/perception-sync/modules/perception"
)

// fakeSpeaker records utterances. Completion is driven by the test.
type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
	ids   []string
	err   error
}

func (s *fakeSpeaker) Speak(ctx context.Context, text, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	s.ids = append(s.ids, id)
	return nil
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// TestEmitter_SingleFlightAndRepeat pins the reference sequence:
// A is spoken; B is dropped while A is in flight; after A completes a
// second A is dropped as a repeat and C goes through.
func TestEmitter_SingleFlightAndRepeat(t *testing.T) {
	sp := &fakeSpeaker{}
	e := feedback.NewEmitter(sp, nil)
	ctx := context.Background()

	idA, ok := e.Emit(ctx, "A")
	if !ok {
		t.Fatal("A must be emitted")
	}
	if _, ok := e.Emit(ctx, "B"); ok {
		t.Fatal("B must be dropped while A is in flight")
	}

	e.Done(idA)

	if _, ok := e.Emit(ctx, "A"); ok {
		t.Fatal("repeated A must be dropped")
	}
	if _, ok := e.Emit(ctx, "C"); !ok {
		t.Fatal("C must be emitted")
	}

	got := sp.spoken()
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("spoken %v, want [A C]", got)
	}

	stats := e.Stats()
	if stats.Emitted != 2 || stats.Busy != 1 || stats.Duplicates != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.InFlight || stats.LastText != "C" {
		t.Errorf("state = inFlight %v last %q", stats.InFlight, stats.LastText)
	}
}

func TestEmitter_UnknownCompletionIgnored(t *testing.T) {
	e := feedback.NewEmitter(&fakeSpeaker{}, nil)

	id, _ := e.Emit(context.Background(), "A")
	e.Done("not-an-utterance")
	e.Failed("")

	if !e.Stats().InFlight {
		t.Fatal("foreign completion must not clear the in-flight utterance")
	}
	e.Done(id)
	e.Done(id) // late duplicate
	if s := e.Stats(); s.InFlight || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

// TestEmitter_FailureAllowsRetry checks that a failed utterance frees the
// channel and does not count as spoken text.
func TestEmitter_FailureAllowsRetry(t *testing.T) {
	e := feedback.NewEmitter(&fakeSpeaker{}, nil)
	ctx := context.Background()

	id, _ := e.Emit(ctx, "A")
	e.Failed(id)

	if _, ok := e.Emit(ctx, "A"); !ok {
		t.Fatal("A must be re-emitted after a failure")
	}
	if e.Stats().Failed != 1 {
		t.Errorf("failed = %d", e.Stats().Failed)
	}
}

func TestEmitter_SpeakErrorClearsInFlight(t *testing.T) {
	sp := &fakeSpeaker{err: errors.New("audio device busy")}
	e := feedback.NewEmitter(sp, nil)

	if _, ok := e.Emit(context.Background(), "A"); ok {
		t.Fatal("Emit must report failure when Speak errors")
	}
	sp.err = nil
	if _, ok := e.Emit(context.Background(), "A"); !ok {
		t.Fatal("channel must be free after a synchronous Speak error")
	}
}

// syncSpeaker completes inside Speak, the way a channel without real
// playback does.
type syncSpeaker struct{ e *feedback.Emitter }

func (s *syncSpeaker) Speak(ctx context.Context, text, id string) error {
	s.e.Done(id)
	return nil
}

func TestEmitter_SynchronousCompletion(t *testing.T) {
	sp := &syncSpeaker{}
	e := feedback.NewEmitter(sp, nil)
	sp.e = e

	if _, ok := e.Emit(context.Background(), "A"); !ok {
		t.Fatal("A must be emitted")
	}
	if _, ok := e.Emit(context.Background(), "B"); !ok {
		t.Fatal("B must be emitted once A completed synchronously")
	}
}

func TestEmitter_ConcurrentEmitSingleWinner(t *testing.T) {
	sp := &fakeSpeaker{}
	e := feedback.NewEmitter(sp, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Emit(context.Background(), string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()

	if n := len(sp.spoken()); n != 1 {
		t.Fatalf("%d utterances started concurrently, want 1", n)
	}
}

func TestDescribe(t *testing.T) {
	result := perception.ResultFrame{Detections: []perception.Detection{
		{Label: "dog", Score: 0.6},
		{Label: "cat", Score: 0.9},
		{Label: "dog", Score: 0.95},
		{Label: "", Score: 0.7},
		{Label: "bird", Score: 0.2},
	}}

	cases := []struct {
		minScore float64
		max      int
		want     string
	}{
		{0, 0, "dog, cat, Unknown"},
		{0, 10, "dog, cat, Unknown, bird"},
		{0.8, 0, "dog, cat"},
		{0.99, 0, ""},
	}
	for _, c := range cases {
		if got := feedback.Describe(result, c.minScore, c.max); got != c.want {
			t.Errorf("Describe(min=%v, max=%d) = %q, want %q", c.minScore, c.max, got, c.want)
		}
	}
	if got := feedback.Describe(perception.ResultFrame{}, 0, 0); got != "" {
		t.Errorf("empty result described as %q", got)
	}
}

type chanReceiver struct {
	ch   chan perception.Event
	once sync.Once
}

func (r *chanReceiver) Receive() (perception.Event, bool) {
	ev, ok := <-r.ch
	return ev, ok
}

func (r *chanReceiver) Close() { r.once.Do(func() { close(r.ch) }) }

// TestRun_IgnoresRepeatsAndGaps feeds a replay sequence through the loop
// and checks that only fresh results reach the speaker.
func TestRun_IgnoresRepeatsAndGaps(t *testing.T) {
	counting := &countingSpeaker{}
	e := feedback.NewEmitter(counting, nil)
	counting.e = e

	recv := &chanReceiver{ch: make(chan perception.Event, 8)}
	cat := perception.ResultFrame{Detections: []perception.Detection{{Label: "cat", Score: 1}}}
	dog := perception.ResultFrame{Detections: []perception.Detection{{Label: "dog", Score: 1}}}

	recv.ch <- perception.Event{Kind: perception.EventResult, Index: 0, Result: cat}
	recv.ch <- perception.Event{Kind: perception.EventResult, Index: 0, Repeat: true, Result: dog}
	recv.ch <- perception.Event{Kind: perception.EventGap, Index: 1}
	recv.ch <- perception.Event{Kind: perception.EventResult, Index: 2, Result: dog}
	recv.ch <- perception.Event{Kind: perception.EventFinished}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feedback.Run(ctx, recv, e, feedback.LoopConfig{})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().Completed < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for utterances")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := counting.texts; len(got) != 2 || got[0] != "cat" || got[1] != "dog" {
		t.Errorf("spoken %v, want [cat dog]", got)
	}
}

// countingSpeaker completes synchronously and keeps the spoken texts.
type countingSpeaker struct {
	e     *feedback.Emitter
	texts []string
}

func (s *countingSpeaker) Speak(ctx context.Context, text, id string) error {
	s.texts = append(s.texts, text)
	s.e.Done(id)
	return nil
}
