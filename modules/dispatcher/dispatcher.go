// Package dispatcher implements the debounced live dispatcher.
//
// Philosophy: "Skip frames, never queue. Latency > Completeness."
//
// Design:
//   - Non-blocking Offer() (O(1), one mutex + one pointer swap)
//   - Min-interval gate before anything else (frames closer than
//     MinInterval to the last admitted one are discarded)
//   - Single-slot mailbox between the gate and inference (an admitted
//     frame replaces one that inference has not picked up yet)
//   - Exactly one inference goroutine; results leave through the
//     handler registered at construction
//
// See doc.go for the full contract.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/perception-sync/modules/dispatcher/internal"
	"github.com/e7canasta/perception-sync/modules/perception"
)

// DefaultMinInterval is the live inference throttle.
const DefaultMinInterval = 100 * time.Millisecond

// InferFunc runs one inference and MUST honour ctx.
type InferFunc = internal.InferFunc

// Stats is re-exported from the internal package.
// See internal/types.go for field documentation.
type Stats = internal.Stats

// Debouncer is the min-interval admission gate, usable on its own.
type Debouncer = internal.Debouncer

// NewDebouncer creates a standalone gate.
func NewDebouncer(minInterval time.Duration) *Debouncer {
	return internal.NewDebouncer(minInterval)
}

// Config configures a Dispatcher.
type Config struct {
	// MinInterval is the debounce width. Zero means DefaultMinInterval;
	// a negative value disables debouncing.
	MinInterval time.Duration

	// Infer runs on the dispatcher goroutine, one call at a time.
	Infer InferFunc

	// Handler receives one event per completed inference. Required.
	Handler perception.EventHandler

	// Generation, if set, tags each event with the session generation
	// read just before the inference call.
	Generation func() uint64

	Logger *slog.Logger
}

// Dispatcher is the live regime front door.
//
// Lifecycle: New() → Start() → Offer()... → Stop()
type Dispatcher interface {
	// Start spawns the inference goroutine and returns immediately.
	Start(ctx context.Context) error

	// Stop cancels an in-flight inference and waits for the goroutine to
	// exit. Idempotent. No handler call happens after Stop returns.
	Stop() error

	// Offer submits a captured frame. Returns true if the gate admitted it.
	// Frames with a zero Timestamp are stamped with time.Now().
	//
	// Contract: frame.Data MUST NOT be modified after Offer.
	Offer(frame perception.Frame) bool

	// SetMinInterval retunes the gate, e.g. after a capture warm-up.
	SetMinInterval(d time.Duration)

	// Stats returns a snapshot (not a live view).
	Stats() Stats
}

// New creates a dispatcher. Infer and Handler are required.
func New(cfg Config) (Dispatcher, error) {
	minInterval := cfg.MinInterval
	switch {
	case minInterval == 0:
		minInterval = DefaultMinInterval
	case minInterval < 0:
		minInterval = 0
	}

	d, err := internal.NewDispatcher(internal.Config{
		MinInterval: minInterval,
		Infer:       cfg.Infer,
		Handler:     cfg.Handler,
		Generation:  cfg.Generation,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
