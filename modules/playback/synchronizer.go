// Package playback replays a pre-scanned result buffer in step with an
// asset transport.
//
// A Synchronizer ticks at the buffer's sampling interval. Each tick reads
// the clock, resolves idx = floor(elapsed / interval) and emits buffer[idx]
// to the registered handler. Playback ends by itself when idx runs past
// the buffer or the clock reports it was stopped.
//
//	clock ──Elapsed()──▶ tick ──idx──▶ buffer.At(idx) ──▶ Handler(Event)
//
// Emitted indices never decrease within one playback. A tick that
// resolves the same index as the previous one (paused transport, tick
// jitter) re-emits it with Event.Repeat set; consumers with side effects
// should ignore repeats.
//
// Stop cancels the ticking goroutine and waits for it, so no handler call
// happens after Stop returns.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
	"github.com/e7canasta/perception-sync/modules/replay"
)

var (
	// ErrAlreadyStarted is returned by Start on a running synchronizer.
	ErrAlreadyStarted = errors.New("playback: already started")
	// ErrStopped is returned by Start after Stop. Synchronizers are single use.
	ErrStopped = errors.New("playback: synchronizer stopped")
)

// Finish reasons reported in Stats.
const (
	ReasonExhausted = "exhausted"
	ReasonStopped   = "clock_stopped"
	ReasonCancelled = "cancelled"
)

// Config configures a Synchronizer.
type Config struct {
	Buffer  *replay.Buffer
	Clock   Clock
	Handler perception.EventHandler

	// Session is copied into every event.
	Session uint64
	// Mode defaults to perception.ModeVideo.
	Mode perception.RunningMode
	// TickInterval defaults to the buffer's sampling interval.
	TickInterval time.Duration

	Logger *slog.Logger
}

// Stats is a snapshot of one playback.
type Stats struct {
	Ticks     uint64
	Emitted   uint64
	Repeats   uint64
	Gaps      uint64
	LastIndex int // -1 before the first emission
	Finished  bool
	Reason    string
}

// Synchronizer drives one playback of one buffer. It is single use.
type Synchronizer struct {
	buf      *replay.Buffer
	clock    Clock
	handler  perception.EventHandler
	session  uint64
	mode     perception.RunningMode
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopped   bool

	done     chan struct{}
	doneOnce sync.Once
}

// New validates cfg and returns an idle Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Buffer == nil {
		return nil, errors.New("playback: Buffer is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("playback: Clock is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("playback: Handler is required")
	}

	interval := cfg.TickInterval
	if interval <= 0 {
		interval = cfg.Buffer.Interval()
	}
	mode := cfg.Mode
	if mode == perception.ModeImage {
		mode = perception.ModeVideo
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Synchronizer{
		buf:      cfg.Buffer,
		clock:    cfg.Clock,
		handler:  cfg.Handler,
		session:  cfg.Session,
		mode:     mode,
		interval: interval,
		logger:   logger.With("component", "playback", "session", cfg.Session),
		stats:    Stats{LastIndex: -1},
		done:     make(chan struct{}),
	}, nil
}

// Start begins ticking. The first tick runs immediately.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.logger.Info("playback: started",
		"entries", s.buf.Len(),
		"interval", s.interval,
	)

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop cancels playback and waits for the ticking goroutine to exit.
// Idempotent.
func (s *Synchronizer) Stop() {
	s.startedMu.Lock()
	if s.stopped {
		s.startedMu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	if s.started {
		s.cancel()
	}
	s.startedMu.Unlock()

	s.wg.Wait()
	s.markFinished(ReasonCancelled)
	s.closeDone()
}

// Done is closed when playback ends for any reason.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Synchronizer) run() {
	defer s.wg.Done()
	defer s.closeDone()

	if s.tick() {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.markFinished(ReasonCancelled)
			return
		case <-ticker.C:
			if s.tick() {
				return
			}
		}
	}
}

// tick runs one synchronization step and reports whether playback ended.
func (s *Synchronizer) tick() bool {
	if s.ctx != nil && s.ctx.Err() != nil {
		s.markFinished(ReasonCancelled)
		return true
	}

	s.mu.Lock()
	if s.stats.Finished {
		s.mu.Unlock()
		return true
	}
	s.stats.Ticks++
	last := s.stats.LastIndex
	s.mu.Unlock()

	if s.clock.Stopped() {
		s.finish(ReasonStopped, last, nil)
		return true
	}

	idx := s.buf.IndexFor(s.clock.Elapsed())
	if idx >= s.buf.Len() {
		s.finish(ReasonExhausted, last, perception.ErrAssetExhausted)
		return true
	}

	// Never rewind within one playback
	if idx < last {
		idx = last
	}
	repeat := idx == last

	ev := perception.Event{
		Kind:    perception.EventResult,
		Mode:    s.mode,
		Session: s.session,
		Index:   idx,
		Repeat:  repeat,
		At:      time.Now(),
	}

	if result, ok := s.buf.At(idx); ok {
		if result.SourceWidth == 0 || result.SourceHeight == 0 {
			result.SourceWidth, result.SourceHeight = s.buf.SourceSize()
		}
		ev.Result = result
	} else {
		ev.Kind = perception.EventGap
	}

	s.mu.Lock()
	s.stats.LastIndex = idx
	s.stats.Emitted++
	if repeat {
		s.stats.Repeats++
	}
	if ev.Kind == perception.EventGap && !repeat {
		s.stats.Gaps++
	}
	s.mu.Unlock()

	s.handler(ev)
	return false
}

func (s *Synchronizer) finish(reason string, last int, err error) {
	if !s.markFinished(reason) {
		return
	}

	s.logger.Info("playback: finished",
		"reason", reason,
		"last_index", last,
		"entries", s.buf.Len(),
	)

	s.handler(perception.Event{
		Kind:    perception.EventFinished,
		Mode:    s.mode,
		Session: s.session,
		Index:   last,
		Err:     err,
		At:      time.Now(),
	})
}

// markFinished records the first finish reason and reports whether this
// call was the one that recorded it.
func (s *Synchronizer) markFinished(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Finished {
		return false
	}
	s.stats.Finished = true
	s.stats.Reason = reason
	return true
}

func (s *Synchronizer) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
