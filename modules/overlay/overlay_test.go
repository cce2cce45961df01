package overlay_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/e7canasta/perception-sync/modules/overlay"
	"github.com/e7canasta/perception-sync/modules/perception"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

// TestMapRect_Scaling pins the per-axis scaling example:
// src 100x100, viewport 200x50, box (10,10,20,20) → (20,5,40,10).
func TestMapRect_Scaling(t *testing.T) {
	got := overlay.MapRect(
		perception.Rect{X: 10, Y: 10, Width: 20, Height: 20},
		overlay.Size{Width: 100, Height: 100},
		overlay.Size{Width: 200, Height: 50},
	)
	want := perception.Rect{X: 20, Y: 5, Width: 40, Height: 10}
	if got != want {
		t.Fatalf("MapRect = %+v, want %+v", got, want)
	}
}

// TestMapRect_NegativeOriginClamped verifies the left/top clamp.
func TestMapRect_NegativeOriginClamped(t *testing.T) {
	got := overlay.MapRect(
		perception.Rect{X: -5, Y: 0, Width: 10, Height: 10},
		overlay.Size{Width: 100, Height: 100},
		overlay.Size{Width: 100, Height: 100},
	)
	if !approx(got.X, overlay.EdgeOffset) {
		t.Errorf("X = %v, want %v", got.X, overlay.EdgeOffset)
	}
	if got.Width != 10 {
		t.Errorf("Width = %v, want unchanged 10", got.Width)
	}
}

// TestMapRect_OverflowPulledIn verifies the right/bottom clamp.
func TestMapRect_OverflowPulledIn(t *testing.T) {
	got := overlay.MapRect(
		perception.Rect{X: 90, Y: 80, Width: 30, Height: 40},
		overlay.Size{Width: 100, Height: 100},
		overlay.Size{Width: 100, Height: 100},
	)
	if !approx(got.MaxX(), 100-overlay.EdgeOffset) {
		t.Errorf("MaxX = %v, want %v", got.MaxX(), 100-overlay.EdgeOffset)
	}
	if !approx(got.MaxY(), 100-overlay.EdgeOffset) {
		t.Errorf("MaxY = %v, want %v", got.MaxY(), 100-overlay.EdgeOffset)
	}
}

// TestMapRect_Degenerate verifies that degenerate input never panics.
func TestMapRect_Degenerate(t *testing.T) {
	cases := []struct {
		name string
		box  perception.Rect
		src  overlay.Size
	}{
		{"zero source", perception.Rect{X: 1, Y: 1, Width: 1, Height: 1}, overlay.Size{}},
		{"zero area box", perception.Rect{X: 10, Y: 10}, overlay.Size{Width: 100, Height: 100}},
		{"box outside", perception.Rect{X: 500, Y: 500, Width: 10, Height: 10}, overlay.Size{Width: 100, Height: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := overlay.MapRect(tc.box, tc.src, overlay.Size{Width: 100, Height: 100})
			if got.Width < 0 || got.Height < 0 {
				t.Fatalf("negative size: %+v", got)
			}
		})
	}
}

// TestMapRect_Property_StaysInViewport checks that any box inside the
// source maps inside the viewport.
func TestMapRect_Property_StaysInViewport(t *testing.T) {
	property := func(sw, sh, dw, dh uint16, fx, fy, fw, fh float64) bool {
		src := overlay.Size{Width: float64(sw%2000) + 1, Height: float64(sh%2000) + 1}
		dst := overlay.Size{Width: float64(dw%2000) + 10, Height: float64(dh%2000) + 10}

		frac := func(f float64) float64 { return math.Abs(math.Mod(f, 1)) }
		x := frac(fx) * src.Width
		y := frac(fy) * src.Height
		box := perception.Rect{
			X:      x,
			Y:      y,
			Width:  frac(fw) * (src.Width - x),
			Height: frac(fh) * (src.Height - y),
		}

		got := overlay.MapRect(box, src, dst)
		return got.X >= 0 && got.Y >= 0 &&
			got.MaxX() <= dst.Width+1e-6 && got.MaxY() <= dst.Height+1e-6
	}

	cfg := &quick.Config{MaxCount: 1000, Rand: rand.New(rand.NewSource(7))}
	if err := quick.Check(property, cfg); err != nil {
		t.Error(err)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		det  perception.Detection
		want string
	}{
		{perception.Detection{Label: "cat", Score: 0.873}, "cat (87%)"},
		{perception.Detection{Label: "dog", Score: 0.875}, "dog (88%)"},
		{perception.Detection{Score: 0.5}, "Unknown (50%)"},
		{perception.Detection{Label: "person", Score: 1}, "person (100%)"},
	}
	for _, tt := range tests {
		if got := overlay.Label(tt.det); got != tt.want {
			t.Errorf("Label(%+v) = %q, want %q", tt.det, got, tt.want)
		}
	}
}

func TestColorFor_Cycles(t *testing.T) {
	if overlay.ColorFor(1) != overlay.Palette[1] {
		t.Error("first detection must take palette[1]")
	}
	if overlay.ColorFor(10) != overlay.Palette[0] {
		t.Error("tenth detection must wrap to palette[0]")
	}
	if overlay.ColorFor(11) != overlay.ColorFor(1) {
		t.Error("palette must cycle every 10 detections")
	}
}

// TestBuild_SkipsEmptyKeepsColours verifies zero-area boxes are skipped
// without shifting the colours of the following detections.
func TestBuild_SkipsEmptyKeepsColours(t *testing.T) {
	result := perception.ResultFrame{
		SourceWidth:  100,
		SourceHeight: 100,
		Detections: []perception.Detection{
			{Label: "a", Score: 0.9, Box: perception.Rect{X: 0, Y: 0, Width: 10, Height: 10}},
			{Label: "b", Score: 0.9, Box: perception.Rect{X: 5, Y: 5}},
			{Label: "c", Score: 0.9, Box: perception.Rect{X: 20, Y: 20, Width: 10, Height: 10}},
		},
	}

	got := overlay.Build(result, overlay.Size{Width: 100, Height: 100})
	if len(got) != 2 {
		t.Fatalf("Build returned %d overlays, want 2", len(got))
	}
	if got[1].Color != overlay.ColorFor(3) {
		t.Errorf("third detection colour = %v, want %v", got[1].Color, overlay.ColorFor(3))
	}
	if got[1].Label != "c (90%)" {
		t.Errorf("label = %q", got[1].Label)
	}
}

type fakeRenderer struct {
	mu     sync.Mutex
	size   overlay.Size
	scenes []overlay.Scene
	err    error
}

func (r *fakeRenderer) Viewport() overlay.Size { return r.size }

func (r *fakeRenderer) Render(s overlay.Scene) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.scenes = append(r.scenes, s)
	return nil
}

func (r *fakeRenderer) Scenes() []overlay.Scene {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]overlay.Scene(nil), r.scenes...)
}

// TestPresenter_EventKinds verifies results render, gaps clear and
// errors are ignored.
func TestPresenter_EventKinds(t *testing.T) {
	r := &fakeRenderer{size: overlay.Size{Width: 200, Height: 50}}
	p := overlay.NewPresenter(r, overlay.PresenterConfig{})

	result := perception.ResultFrame{
		SourceWidth:     100,
		SourceHeight:    100,
		InferenceTimeMs: 42,
		Detections: []perception.Detection{
			{Label: "cat", Score: 0.873, Box: perception.Rect{X: 10, Y: 10, Width: 20, Height: 20}},
		},
	}

	_ = p.Present(perception.Event{Kind: perception.EventResult, Index: 0, Result: result})
	_ = p.Present(perception.Event{Kind: perception.EventError, Err: errors.New("boom")})
	_ = p.Present(perception.Event{Kind: perception.EventGap, Index: 1})

	scenes := r.Scenes()
	if len(scenes) != 2 {
		t.Fatalf("rendered %d scenes, want 2", len(scenes))
	}

	want := perception.Rect{X: 20, Y: 5, Width: 40, Height: 10}
	if !reflect.DeepEqual(scenes[0].Overlays[0].Box, want) {
		t.Errorf("box = %+v, want %+v", scenes[0].Overlays[0].Box, want)
	}
	if scenes[0].InferenceTimeMs != 42 {
		t.Errorf("inference time = %d, want 42", scenes[0].InferenceTimeMs)
	}
	if len(scenes[1].Overlays) != 0 {
		t.Error("gap must clear overlays")
	}

	stats := p.Stats()
	if stats.Rendered != 1 || stats.Cleared != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestPresenter_RejectsFilteredEvents verifies the accept filter.
func TestPresenter_RejectsFilteredEvents(t *testing.T) {
	r := &fakeRenderer{size: overlay.Size{Width: 10, Height: 10}}
	p := overlay.NewPresenter(r, overlay.PresenterConfig{
		Accept: func(ev perception.Event) bool { return ev.Session == 2 },
	})

	_ = p.Present(perception.Event{Kind: perception.EventResult, Session: 1})
	_ = p.Present(perception.Event{Kind: perception.EventResult, Session: 2})

	if n := len(r.Scenes()); n != 1 {
		t.Fatalf("rendered %d scenes, want 1", n)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("rejected = %d, want 1", p.Stats().Rejected)
	}
}

// gateRenderer parks every Render until release is closed.
type gateRenderer struct {
	fakeRenderer
	entered chan struct{}
	release chan struct{}
}

func (r *gateRenderer) Render(s overlay.Scene) error {
	r.entered <- struct{}{}
	<-r.release
	return r.fakeRenderer.Render(s)
}

// TestPresenter_FenceWaitsAndRejectsOldEpoch verifies Fence blocks until
// an in-flight Render returns and that events stamped before the fence
// are never drawn afterwards.
func TestPresenter_FenceWaitsAndRejectsOldEpoch(t *testing.T) {
	r := &gateRenderer{
		fakeRenderer: fakeRenderer{size: overlay.Size{Width: 10, Height: 10}},
		entered:      make(chan struct{}, 4),
		release:      make(chan struct{}),
	}
	p := overlay.NewPresenter(r, overlay.PresenterConfig{})

	old := p.Epoch()
	go func() { _ = p.Present(perception.Event{Kind: perception.EventGap, Epoch: old}) }()
	<-r.entered

	fenced := make(chan uint64, 1)
	go func() { fenced <- p.Fence() }()

	select {
	case <-fenced:
		t.Fatal("Fence returned while a Render was in progress")
	case <-time.After(30 * time.Millisecond):
	}
	close(r.release)

	var epoch uint64
	select {
	case epoch = <-fenced:
	case <-time.After(time.Second):
		t.Fatal("Fence did not return after Render finished")
	}
	if epoch == old || p.Epoch() != epoch {
		t.Fatalf("epoch = %d after fence, was %d", p.Epoch(), old)
	}

	_ = p.Present(perception.Event{Kind: perception.EventGap, Epoch: old})
	if n := len(r.Scenes()); n != 1 {
		t.Fatalf("rendered %d scenes, want only the pre-fence one", n)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("rejected = %d, want 1", p.Stats().Rejected)
	}

	_ = p.Present(perception.Event{Kind: perception.EventGap, Epoch: epoch})
	if n := len(r.Scenes()); n != 2 {
		t.Errorf("rendered %d scenes, want the current-epoch event drawn", n)
	}
}

type chanReceiver struct {
	ch   chan perception.Event
	once sync.Once
	done chan struct{}
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{ch: make(chan perception.Event, 8), done: make(chan struct{})}
}

func (c *chanReceiver) Receive() (perception.Event, bool) {
	select {
	case ev := <-c.ch:
		return ev, true
	case <-c.done:
		return perception.Event{}, false
	}
}

func (c *chanReceiver) Close() { c.once.Do(func() { close(c.done) }) }

// TestPresenter_RunStopsOnClose verifies Run exits when the receiver closes.
func TestPresenter_RunStopsOnClose(t *testing.T) {
	r := &fakeRenderer{size: overlay.Size{Width: 10, Height: 10}, err: errors.New("display gone")}
	p := overlay.NewPresenter(r, overlay.PresenterConfig{})
	recv := newChanReceiver()

	recv.ch <- perception.Event{Kind: perception.EventGap}

	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), recv)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for p.Stats().RenderErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued event was never consumed")
		}
		time.Sleep(time.Millisecond)
	}
	recv.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after receiver closed")
	}
}
