package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// DefaultMockLabels are cycled through by Mock detections.
var DefaultMockLabels = []string{"person", "cat", "dog", "", "bicycle"}

// MockOptions tunes a Mock.
type MockOptions struct {
	// Latency simulates the forward pass.
	Latency time.Duration
	// Labels are assigned round-robin. An empty label is a detection the
	// model could not name.
	Labels []string
	// FailEvery makes every n-th call fail. Zero never fails.
	FailEvery uint64
}

// MockStats counts calls.
type MockStats struct {
	Processed    uint64
	Failed       uint64
	AvgLatencyMs float64
}

// Mock is a deterministic perception.Backend: the same frame sequence
// number always yields the same detections.
type Mock struct {
	session perception.Config
	opts    MockOptions

	calls          atomic.Uint64
	processed      atomic.Uint64
	failed         atomic.Uint64
	totalLatencyMs atomic.Uint64
	closed         atomic.Bool
}

// NewMock returns a Mock bound to session.
func NewMock(session perception.Config, opts MockOptions) *Mock {
	if len(opts.Labels) == 0 {
		opts.Labels = DefaultMockLabels
	}
	return &Mock{session: session, opts: opts}
}

// MockFactory builds a Mock per session.
func MockFactory(opts MockOptions) perception.BackendFactory {
	return func(ctx context.Context, session perception.Config) (perception.Backend, error) {
		return NewMock(session, opts), nil
	}
}

// Infer implements perception.Backend.
func (m *Mock) Infer(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error) {
	if m.closed.Load() {
		return perception.ResultFrame{}, ErrClosed
	}
	if err := validateFrame(frame); err != nil {
		m.failed.Add(1)
		return perception.ResultFrame{}, err
	}

	n := m.calls.Add(1)
	start := time.Now()

	if m.opts.Latency > 0 {
		timer := time.NewTimer(m.opts.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.failed.Add(1)
			return perception.ResultFrame{}, ctx.Err()
		}
	}

	if m.opts.FailEvery > 0 && n%m.opts.FailEvery == 0 {
		m.failed.Add(1)
		return perception.ResultFrame{}, fmt.Errorf("backend: mock failure on call %d", n)
	}

	elapsed := time.Since(start)
	m.processed.Add(1)
	m.totalLatencyMs.Add(uint64(elapsed.Milliseconds()))

	result := perception.ResultFrame{
		Detections:      m.detections(frame),
		SourceWidth:     frame.Width,
		SourceHeight:    frame.Height,
		InferenceTimeMs: elapsed.Milliseconds(),
	}
	return ApplyLimits(result, m.session), nil
}

// detections derives one to three boxes from the frame sequence number.
func (m *Mock) detections(frame perception.Frame) []perception.Detection {
	w, h := float64(frame.Width), float64(frame.Height)
	count := 1 + int(frame.Seq%3)

	out := make([]perception.Detection, 0, count)
	for i := 0; i < count; i++ {
		k := frame.Seq + uint64(i)
		out = append(out, perception.Detection{
			Label: m.opts.Labels[int(k%uint64(len(m.opts.Labels)))],
			Score: 0.45 + 0.1*float64(k%5),
			Box: perception.Rect{
				X:      w * float64(k%4) / 8,
				Y:      h * float64((k+1)%4) / 8,
				Width:  w / 4,
				Height: h / 3,
			},
		})
	}
	return out
}

// validateFrame checks RGB payloads against their declared dimensions.
func validateFrame(frame perception.Frame) error {
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("backend: invalid frame dimensions %dx%d", frame.Width, frame.Height)
	}
	if frame.Format == perception.FormatRGB && len(frame.Data) > 0 {
		if want := frame.Width * frame.Height * 3; len(frame.Data) != want {
			return fmt.Errorf("backend: invalid RGB data size: got %d bytes, expected %d (%dx%d*3)",
				len(frame.Data), want, frame.Width, frame.Height)
		}
	}
	return nil
}

// Close implements perception.Backend.
func (m *Mock) Close() error {
	m.closed.Store(true)
	return nil
}

// Stats returns call counters.
func (m *Mock) Stats() MockStats {
	processed := m.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(m.totalLatencyMs.Load()) / float64(processed)
	}
	return MockStats{
		Processed:    processed,
		Failed:       m.failed.Load(),
		AvgLatencyMs: avg,
	}
}
