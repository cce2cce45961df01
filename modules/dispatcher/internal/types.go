package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// InferFunc runs one inference. It MUST honour ctx: Stop cancels it.
type InferFunc func(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error)

// Config is the dispatcher configuration (see dispatcher.Config).
type Config struct {
	MinInterval time.Duration
	Infer       InferFunc
	Handler     perception.EventHandler
	Generation  func() uint64
	Logger      *slog.Logger
}

// Stats is a snapshot of dispatcher counters.
//
// Invariants:
//   - Offered = Debounced + Accepted + Rejected
//   - Accepted = MailboxDrops + Inferred + Failed + Stale + (0 or 1 pending)
type Stats struct {
	Offered      uint64 // frames handed to Offer
	Debounced    uint64 // discarded by the min-interval gate
	Rejected     uint64 // offered after Stop
	Accepted     uint64 // admitted by the gate
	MailboxDrops uint64 // admitted but overwritten before inference started
	Inferred     uint64 // inferences that produced a result event
	Failed       uint64 // inferences that produced an error event
	Stale        uint64 // results discarded because the session changed

	LastInferenceMs int64
	MinInterval     time.Duration
	IsRunning       bool
}
