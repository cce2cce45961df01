// Package engine wires the synchronization core into one unit: the
// session controller owns the backend, the live dispatcher and the
// playback synchronizer publish onto a result bus, and the presenter and
// feedback loop consume from it.
//
// Ordering rules the engine enforces:
//   - the running synchronizer is stopped before a new asset is
//     pre-scanned, before live capture starts and before teardown
//   - a running live regime is stopped before any other regime starts
//   - once a regime has been stopped, none of its events is rendered
//   - every regime switch applies the configuration for its running mode,
//     which tears the previous session down when the mode differs
//   - events from a retired session generation are never rendered
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/perception-sync/modules/capture"
	"github.com/e7canasta/perception-sync/modules/dispatcher"
	"github.com/e7canasta/perception-sync/modules/feedback"
	"github.com/e7canasta/perception-sync/modules/overlay"
	"github.com/e7canasta/perception-sync/modules/perception"
	"github.com/e7canasta/perception-sync/modules/playback"
	"github.com/e7canasta/perception-sync/modules/replay"
	"github.com/e7canasta/perception-sync/modules/resultbus"
	"github.com/e7canasta/perception-sync/modules/session"
)

var (
	// ErrNoAsset is returned by Play before a successful LoadAsset, or
	// after a configuration change invalidated the buffer.
	ErrNoAsset = errors.New("engine: no pre-scanned asset")

	// ErrClosed is returned after Close. RunLive returns it when Close
	// ends a running live regime.
	ErrClosed = errors.New("engine: closed")

	// ErrLivePreempted is returned by RunLive when another regime or a
	// teardown stopped it.
	ErrLivePreempted = errors.New("engine: live regime preempted")
)

// Subscriber ids on the result bus.
const (
	presenterID = "presenter"
	feedbackID  = "feedback"
)

// FrameSource is a live capture source. capture.Stream implements it.
type FrameSource interface {
	Start(ctx context.Context) (<-chan perception.Frame, error)
	Stop() error
}

// warmable sources can measure their cadence before inference starts.
type warmable interface {
	Warmup(ctx context.Context, d time.Duration) (capture.WarmupStats, error)
}

// Config configures an Engine.
type Config struct {
	// Factory builds a backend per session. Required.
	Factory perception.BackendFactory
	// Session is the backend configuration; its Mode is overridden by
	// the regime in use. Required.
	Session perception.Config
	// Renderer draws scenes. Required.
	Renderer overlay.Renderer

	// Speaker enables spoken feedback when set.
	Speaker           feedback.Speaker
	FeedbackMinScore  float64
	FeedbackMaxLabels int

	// MinInterval is the live debounce width (dispatcher default when 0).
	MinInterval time.Duration
	// Warmup measures a live source this long before debouncing against
	// its cadence. Zero skips it.
	Warmup time.Duration

	// SampleInterval and Policy drive the replay pre-scan.
	SampleInterval time.Duration
	Policy         replay.Policy
	// TickInterval overrides the playback tick (the sample interval by
	// default).
	TickInterval time.Duration

	// InferenceTimeout bounds every backend call. Zero means none.
	InferenceTimeout time.Duration

	Logger *slog.Logger
}

// liveRun is one RunLive call.
type liveRun struct {
	disp   dispatcher.Dispatcher
	cancel context.CancelCauseFunc
	done   chan struct{} // closed once the source is stopped
}

// Stats aggregates the components' snapshots.
type Stats struct {
	Session   session.Stats
	Bus       resultbus.BusStats
	Presenter overlay.PresenterStats
	Feedback  feedback.Stats
	Live      dispatcher.Stats
	Playback  playback.Stats
	Buffer    BufferInfo
}

// BufferInfo describes the pre-scanned asset.
type BufferInfo struct {
	Loaded   bool
	Entries  int
	Gaps     int
	Interval time.Duration
	Session  uint64
}

// Engine is safe for concurrent use. Regime operations (RunLive,
// LoadAsset, Play, DetectImage) serialize on a single lock for their
// setup phase.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ctrl      *session.Controller
	bus       resultbus.Bus
	presenter *overlay.Presenter
	emitter   *feedback.Emitter

	mu            sync.Mutex
	session       perception.Config
	buffer        *replay.Buffer
	bufferSession uint64
	player        *playback.Synchronizer
	live          *liveRun
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg, subscribes the consumers and starts their
// goroutines. Call Close to release everything.
func New(cfg Config) (*Engine, error) {
	if cfg.Factory == nil {
		return nil, errors.New("engine: Factory is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("engine: Renderer is required")
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = replay.DefaultInterval
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "engine"),
		ctrl:    session.New(cfg.Factory, cfg.Logger),
		bus:     resultbus.New(),
		session: cfg.Session,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	recv, err := e.bus.SubscribeDropOld(presenterID)
	if err != nil {
		return nil, err
	}
	e.presenter = overlay.NewPresenter(cfg.Renderer, overlay.PresenterConfig{
		Accept: e.current,
		Logger: cfg.Logger,
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.presenter.Run(e.ctx, recv)
	}()

	if cfg.Speaker != nil {
		e.emitter = feedback.NewEmitter(cfg.Speaker, cfg.Logger)
		frecv, err := e.bus.SubscribeDropOld(feedbackID)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			feedback.Run(e.ctx, frecv, e.emitter, feedback.LoopConfig{
				MinScore:  cfg.FeedbackMinScore,
				MaxLabels: cfg.FeedbackMaxLabels,
				Logger:    cfg.Logger,
			})
		}()
	}

	e.logger.Info("engine: ready",
		"model", cfg.Session.Model,
		"feedback", cfg.Speaker != nil,
	)
	return e, nil
}

// current accepts events from the live session generation only.
func (e *Engine) current(ev perception.Event) bool {
	return ev.Session == e.ctrl.Generation()
}

// Feedback returns the single-flight emitter, nil without a Speaker.
// Speakers report utterance completion to it.
func (e *Engine) Feedback() *feedback.Emitter { return e.emitter }

// Controller exposes the session controller.
func (e *Engine) Controller() *session.Controller { return e.ctrl }

// publish stamps ev with the presentation epoch and hands it to the bus.
// Every producer publishes through it.
func (e *Engine) publish(ev perception.Event) {
	ev.Epoch = e.presenter.Epoch()
	e.bus.Publish(ev)
}

// infer is the backend call shared by every regime.
func (e *Engine) infer(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error) {
	if e.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.InferenceTimeout)
		defer cancel()
	}
	return e.ctrl.Infer(ctx, frame)
}

// applyLocked switches the controller to mode. Callers hold e.mu.
func (e *Engine) applyLocked(mode perception.RunningMode) error {
	if e.closed {
		return ErrClosed
	}
	changed, err := e.ctrl.ApplyConfiguration(e.session.WithMode(mode))
	if err != nil {
		return err
	}
	if changed && mode != perception.ModeVideo {
		e.buffer = nil
	}
	return nil
}

// stopPlaybackLocked stops the running synchronizer. Callers hold e.mu.
func (e *Engine) stopPlaybackLocked() {
	if e.player == nil {
		return
	}
	e.player.Stop()
	e.presenter.Fence()
	e.logger.Info("engine: playback stopped", "stats", e.player.Stats())
	e.player = nil
}

// stopLiveLocked ends the running live regime with cause and waits until
// its source is stopped. Callers hold e.mu; RunLive never takes it while
// the regime is registered.
func (e *Engine) stopLiveLocked(cause error) {
	run := e.live
	if run == nil {
		return
	}
	e.live = nil
	run.cancel(cause)
	_ = run.disp.Stop()
	<-run.done
	e.presenter.Fence()
	e.logger.Info("engine: live regime stopped", "cause", cause, "stats", run.disp.Stats())
}

// SetSession replaces the backend configuration. The running regime keeps
// its mode; a changed configuration invalidates the pre-scanned asset.
func (e *Engine) SetSession(cfg perception.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	mode := cfg.Mode
	if current, ok := e.ctrl.Config(); ok {
		mode = current.Mode
	}
	e.session = cfg
	changed, err := e.ctrl.ApplyConfiguration(cfg.WithMode(mode))
	if err != nil {
		return err
	}
	if changed {
		e.stopPlaybackLocked()
		e.buffer = nil
		e.presenter.Fence()
		if e.emitter != nil {
			e.emitter.Reset()
		}
	}
	return nil
}

// RunLive streams src through the debounced dispatcher until ctx is
// cancelled or the source ends. Any playback is stopped first. Another
// regime preempts it (ErrLivePreempted) and Close ends it (ErrClosed).
func (e *Engine) RunLive(ctx context.Context, src FrameSource) error {
	e.mu.Lock()
	e.stopPlaybackLocked()
	if err := e.applyLocked(perception.ModeLiveStream); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.live != nil {
		e.mu.Unlock()
		return errors.New("engine: live regime already running")
	}

	disp, err := dispatcher.New(dispatcher.Config{
		MinInterval: e.cfg.MinInterval,
		Infer:       e.infer,
		Handler:     e.publish,
		Generation:  e.ctrl.Generation,
		Logger:      e.cfg.Logger,
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancelCause(ctx)
	run := &liveRun{disp: disp, cancel: cancel, done: make(chan struct{})}
	e.live = run
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.live == run {
			e.live = nil
		}
		e.mu.Unlock()
	}()
	defer close(run.done)
	defer cancel(nil)

	frames, err := src.Start(loopCtx)
	if err != nil {
		return fmt.Errorf("engine: start source: %w", err)
	}
	defer func() {
		if err := src.Stop(); err != nil {
			e.logger.Warn("engine: source stop failed", "error", err)
		}
	}()

	if w, ok := src.(warmable); ok && e.cfg.Warmup > 0 {
		stats, err := w.Warmup(loopCtx, e.cfg.Warmup)
		switch {
		case errors.Is(err, capture.ErrUnstable):
			e.logger.Warn("engine: live source unstable, debouncing against measured rate", "error", err)
			fallthrough
		case err == nil:
			floor := e.cfg.MinInterval
			if floor <= 0 {
				floor = dispatcher.DefaultMinInterval
			}
			interval := capture.SuggestedInterval(stats, floor)
			disp.SetMinInterval(interval)
			e.logger.Info("engine: live interval tuned", "min_interval", interval, "fps_mean", stats.FPSMean)
		case loopCtx.Err() != nil:
			return context.Cause(loopCtx)
		default:
			e.logger.Warn("engine: warmup failed, keeping configured interval", "error", err)
		}
	}

	// A dispatcher stopped by stopLiveLocked refuses to start.
	if err := disp.Start(loopCtx); err != nil {
		if loopCtx.Err() != nil {
			return context.Cause(loopCtx)
		}
		return err
	}
	defer disp.Stop()

	e.logger.Info("engine: live regime started")
	for {
		select {
		case <-loopCtx.Done():
			e.logger.Info("engine: live regime ended", "stats", disp.Stats())
			return context.Cause(loopCtx)
		case frame, ok := <-frames:
			if !ok {
				e.logger.Info("engine: live source ended", "stats", disp.Stats())
				return nil
			}
			disp.Offer(frame)
		}
	}
}

// LoadAsset stops any live regime or playback and pre-scans src in video mode. The
// buffer is kept for Play. A scan interrupted by a session change
// returns perception.ErrStaleSession.
func (e *Engine) LoadAsset(ctx context.Context, src replay.FrameSource, progress func(done, total int)) (*replay.Buffer, error) {
	e.mu.Lock()
	e.stopLiveLocked(ErrLivePreempted)
	e.stopPlaybackLocked()
	e.buffer = nil
	if err := e.applyLocked(perception.ModeVideo); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	gen := e.ctrl.Generation()
	e.mu.Unlock()

	buf, err := replay.PreScan(ctx, src, e.infer, replay.Options{
		Interval: e.cfg.SampleInterval,
		Policy:   e.cfg.Policy,
		Progress: progress,
		Logger:   e.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.ctrl.Generation() != gen {
		return nil, fmt.Errorf("engine: asset scanned by a retired session: %w", perception.ErrStaleSession)
	}
	e.buffer = buf
	e.bufferSession = gen
	return buf, nil
}

// Play starts a new playback of the loaded asset against clock, stopping
// the previous one and any live regime. Without a valid asset it returns
// ErrNoAsset and leaves a live regime running.
func (e *Engine) Play(ctx context.Context, clock playback.Clock) (*playback.Synchronizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	e.stopPlaybackLocked()
	if e.buffer == nil || e.bufferSession != e.ctrl.Generation() {
		return nil, ErrNoAsset
	}
	e.stopLiveLocked(ErrLivePreempted)

	s, err := playback.New(playback.Config{
		Buffer:       e.buffer,
		Clock:        clock,
		Handler:      e.publish,
		Session:      e.bufferSession,
		Mode:         perception.ModeVideo,
		TickInterval: e.cfg.TickInterval,
		Logger:       e.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	e.player = s
	return s, nil
}

// StopPlayback stops the running synchronizer, if any. No event of that
// playback is rendered after it returns.
func (e *Engine) StopPlayback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPlaybackLocked()
}

// DetectImage runs single shot inference on a still frame and renders
// the result once. Any live regime or playback is stopped first. A failed
// inference returns a *perception.InferenceError.
func (e *Engine) DetectImage(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error) {
	e.mu.Lock()
	e.stopLiveLocked(ErrLivePreempted)
	e.stopPlaybackLocked()
	if err := e.applyLocked(perception.ModeImage); err != nil {
		e.mu.Unlock()
		return perception.ResultFrame{}, err
	}
	gen := e.ctrl.Generation()
	e.mu.Unlock()

	result, err := e.infer(ctx, frame)
	ev := perception.Event{
		Kind:     perception.EventResult,
		Mode:     perception.ModeImage,
		Session:  gen,
		Index:    -1,
		FrameSeq: frame.Seq,
		TraceID:  frame.TraceID,
		Result:   result,
		At:       time.Now(),
	}
	if err != nil {
		err = &perception.InferenceError{Index: -1, Seq: frame.Seq, Err: err}
		ev.Kind, ev.Err, ev.Result = perception.EventError, err, perception.ResultFrame{}
	}
	e.publish(ev)
	return result, err
}

// Teardown stops the running regime and releases the backend. The
// configuration is kept; the next regime operation builds a fresh backend.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLiveLocked(ErrLivePreempted)
	e.stopPlaybackLocked()
	e.buffer = nil
	e.ctrl.Teardown()
	e.presenter.Fence()
}

// Close tears everything down and waits for the consumers. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopLiveLocked(ErrClosed)
	e.stopPlaybackLocked()
	e.buffer = nil
	e.ctrl.Teardown()
	e.presenter.Fence()
	e.mu.Unlock()

	e.cancel()
	e.bus.Close()
	e.wg.Wait()
	e.logger.Info("engine: closed")
}

// Stats returns an aggregated snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Session:   e.ctrl.Stats(),
		Bus:       e.bus.Stats(),
		Presenter: e.presenter.Stats(),
	}
	if e.emitter != nil {
		s.Feedback = e.emitter.Stats()
	}
	if e.live != nil {
		s.Live = e.live.disp.Stats()
	}
	if e.player != nil {
		s.Playback = e.player.Stats()
	}
	if e.buffer != nil {
		s.Buffer = BufferInfo{
			Loaded:   true,
			Entries:  e.buffer.Len(),
			Gaps:     len(e.buffer.Gaps()),
			Interval: e.buffer.Interval(),
			Session:  e.bufferSession,
		}
	}
	return s
}
