// Package internal implements the debounced live dispatcher.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// dispatcher is the concrete implementation of dispatcher.Dispatcher.
//
// Goroutine topology:
//   - 1 fixed: inferenceLoop (spawned by Start, stopped by Stop)
//   - N external: producers calling Offer (capture callbacks)
//
// Thread-safety: All public methods safe for concurrent use.
type dispatcher struct {
	cfg    Config
	logger *slog.Logger
	gate   *Debouncer

	// --- Mailbox ---
	// Producer → inference loop, single slot, overwrite on Offer

	mailboxMu    sync.Mutex
	mailboxCond  *sync.Cond
	mailboxFrame *perception.Frame

	// --- Counters (atomic) ---

	offered      uint64
	debounced    uint64
	rejected     uint64
	accepted     uint64
	mailboxDrops uint64
	inferred     uint64
	failed       uint64
	stale        uint64
	lastInferMs  int64

	// --- Lifecycle ---

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopped   atomic.Bool
}

// NewDispatcher creates a dispatcher (called by public New in parent package).
func NewDispatcher(cfg Config) (*dispatcher, error) {
	if cfg.Infer == nil {
		return nil, fmt.Errorf("dispatcher: infer func is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("dispatcher: event handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		gate:   NewDebouncer(cfg.MinInterval),
	}
	d.mailboxCond = sync.NewCond(&d.mailboxMu)
	return d, nil
}

// Start spawns the inference loop. Returns immediately.
func (d *dispatcher) Start(ctx context.Context) error {
	d.startedMu.Lock()
	defer d.startedMu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher: already started")
	}
	if d.stopped.Load() {
		return fmt.Errorf("dispatcher: stopped, create a new one")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true

	d.wg.Add(1)
	go d.inferenceLoop()

	d.logger.Info("dispatcher: started", "min_interval", d.gate.MinInterval())
	return nil
}

// Stop cancels the in-flight inference, wakes the loop and waits for it.
// Idempotent. After Stop returns the handler is never invoked again.
func (d *dispatcher) Stop() error {
	d.startedMu.Lock()
	if !d.started || d.stopped.Load() {
		d.startedMu.Unlock()
		d.stopped.Store(true)
		return nil
	}
	d.stopped.Store(true)
	d.startedMu.Unlock()

	d.cancel()

	d.mailboxMu.Lock()
	d.mailboxCond.Broadcast()
	d.mailboxMu.Unlock()

	d.wg.Wait()

	d.logger.Info("dispatcher: stopped",
		"accepted", atomic.LoadUint64(&d.accepted),
		"debounced", atomic.LoadUint64(&d.debounced),
		"mailbox_drops", atomic.LoadUint64(&d.mailboxDrops),
	)
	return nil
}

// Offer gates frame through the debouncer and, if admitted, places it in
// the mailbox (overwriting any frame not yet picked up).
//
// Latency: O(1), never blocks on inference.
func (d *dispatcher) Offer(frame perception.Frame) bool {
	atomic.AddUint64(&d.offered, 1)

	if d.stopped.Load() {
		atomic.AddUint64(&d.rejected, 1)
		return false
	}

	t := frame.Timestamp
	if t.IsZero() {
		t = time.Now()
	}

	if !d.gate.Admit(t) {
		atomic.AddUint64(&d.debounced, 1)
		return false
	}
	atomic.AddUint64(&d.accepted, 1)

	d.mailboxMu.Lock()
	if d.mailboxFrame != nil {
		atomic.AddUint64(&d.mailboxDrops, 1)
		d.logger.Debug("dispatcher: inference busy, replacing pending frame",
			"dropped_seq", d.mailboxFrame.Seq,
			"seq", frame.Seq,
		)
	}
	d.mailboxFrame = &frame
	d.mailboxCond.Signal()
	d.mailboxMu.Unlock()

	return true
}

// inferenceLoop takes the pending frame, runs inference and emits the event.
func (d *dispatcher) inferenceLoop() {
	defer d.wg.Done()

	for {
		d.mailboxMu.Lock()
		for d.mailboxFrame == nil {
			if d.ctx.Err() != nil {
				d.mailboxMu.Unlock()
				return
			}
			d.mailboxCond.Wait()
		}
		if d.ctx.Err() != nil {
			d.mailboxMu.Unlock()
			return
		}

		frame := *d.mailboxFrame
		d.mailboxFrame = nil
		d.mailboxMu.Unlock()

		d.process(frame)
	}
}

func (d *dispatcher) process(frame perception.Frame) {
	var generation uint64
	if d.cfg.Generation != nil {
		generation = d.cfg.Generation()
	}

	start := time.Now()
	result, err := d.cfg.Infer(d.ctx, frame)
	elapsed := time.Since(start)

	if d.ctx.Err() != nil {
		// Stopping: whatever came back belongs to nobody
		return
	}

	ev := perception.Event{
		Mode:     perception.ModeLiveStream,
		Session:  generation,
		Index:    -1,
		FrameSeq: frame.Seq,
		TraceID:  frame.TraceID,
		At:       time.Now(),
	}

	switch {
	case err == nil:
		if result.InferenceTimeMs == 0 {
			result.InferenceTimeMs = elapsed.Milliseconds()
		}
		atomic.AddUint64(&d.inferred, 1)
		atomic.StoreInt64(&d.lastInferMs, result.InferenceTimeMs)
		ev.Kind = perception.EventResult
		ev.Result = result

	case errors.Is(err, perception.ErrStaleSession):
		atomic.AddUint64(&d.stale, 1)
		d.logger.Debug("dispatcher: stale result discarded",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
		return

	default:
		atomic.AddUint64(&d.failed, 1)
		d.logger.Warn("dispatcher: inference failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		ev.Kind = perception.EventError
		ev.Err = &perception.InferenceError{Index: -1, Seq: frame.Seq, Err: err}
	}

	d.cfg.Handler(ev)
}

// SetMinInterval changes the debounce width at runtime.
func (d *dispatcher) SetMinInterval(minInterval time.Duration) {
	d.gate.SetMinInterval(minInterval)
	d.logger.Info("dispatcher: min interval changed", "min_interval", minInterval)
}

// Stats returns a snapshot of the counters.
func (d *dispatcher) Stats() Stats {
	d.startedMu.Lock()
	running := d.started && !d.stopped.Load()
	d.startedMu.Unlock()

	return Stats{
		Offered:         atomic.LoadUint64(&d.offered),
		Debounced:       atomic.LoadUint64(&d.debounced),
		Rejected:        atomic.LoadUint64(&d.rejected),
		Accepted:        atomic.LoadUint64(&d.accepted),
		MailboxDrops:    atomic.LoadUint64(&d.mailboxDrops),
		Inferred:        atomic.LoadUint64(&d.inferred),
		Failed:          atomic.LoadUint64(&d.failed),
		Stale:           atomic.LoadUint64(&d.stale),
		LastInferenceMs: atomic.LoadInt64(&d.lastInferMs),
		MinInterval:     d.gate.MinInterval(),
		IsRunning:       running,
	}
}
