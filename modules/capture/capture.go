// Package capture is the live frame source: a GStreamer pipeline (RTSP
// camera, V4L2 device, video file or test pattern) decoded to packed RGB
// and handed out as perception.Frame values on a channel.
//
// The channel never blocks the streaming thread: when the consumer is
// busy the newest frame is dropped and counted. The live dispatcher
// debounces downstream, so only the rate at which frames are offered
// matters here.
//
// Failed pipelines are rebuilt with exponential backoff
// (RetryDelay·2^(attempt-1), capped at MaxRetryDelay). The retry counter
// resets each time a pipeline reaches PLAYING.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/perception-sync/modules/capture/internal/warmup"
	"github.com/e7canasta/perception-sync/modules/perception"
)

// Config describes one live source.
type Config struct {
	URL       string
	Name      string // copied into perception.Frame.Source
	Width     int
	Height    int
	TargetFPS float64 // 0 keeps the source rate

	// Loop restarts a file source at end of stream instead of finishing.
	Loop bool

	MaxRetries    int           // default 5
	RetryDelay    time.Duration // default 1s
	MaxRetryDelay time.Duration // default 30s

	// Buffer is the frame channel capacity. Default 1 keeps only the
	// frame the consumer is about to take.
	Buffer int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1
	}
	if c.Name == "" {
		c.Name = "live"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if _, _, err := ParseSource(c.URL); err != nil {
		return err
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.TargetFPS < 0 || c.TargetFPS > 60 {
		return fmt.Errorf("%w: invalid fps %.2f (must be 0-60)", ErrInvalidConfig, c.TargetFPS)
	}
	return nil
}

// Stats is a snapshot of stream counters.
type Stats struct {
	Source        string
	Kind          string
	Resolution    string
	FrameCount    uint64
	FramesDropped uint64
	DropRate      float64 // percent
	FPSTarget     float64
	FPSReal       float64
	LatencyMS     int64 // since the last frame
	BytesRead     uint64
	Reconnects    uint32
	IsConnected   bool

	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}

// WarmupStats summarizes the cadence measured by Warmup.
type WarmupStats = warmup.Stats

// SuggestedInterval returns the debounce interval a live dispatcher should
// use for a source measured as stats, never shorter than minInterval.
func SuggestedInterval(stats WarmupStats, minInterval time.Duration) time.Duration {
	return warmup.SuggestedInterval(stats, minInterval)
}

// Stream is a restartable live source.
type Stream struct {
	cfg    Config
	kind   SourceKind
	logger *slog.Logger

	mu      sync.RWMutex
	frames  chan perception.Frame
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	connected     atomic.Bool
	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	reconnects    atomic.Uint32
	lastFrameAt   atomic.Int64

	errorsNetwork atomic.Uint64
	errorsCodec   atomic.Uint64
	errorsAuth    atomic.Uint64
	errorsUnknown atomic.Uint64
}

var gstInit sync.Once

// New validates cfg. GStreamer is initialized on first use.
func New(cfg Config) (*Stream, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, _, _ := ParseSource(cfg.URL)

	gstInit.Do(func() { gst.Init(nil) })

	s := &Stream{
		cfg:    cfg,
		kind:   kind,
		logger: cfg.Logger.With("component", "capture", "source", cfg.Name),
	}
	s.logger.Info("capture: stream created",
		"url", cfg.URL,
		"kind", kind.String(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.TargetFPS,
	)
	return s, nil
}

// Start builds the first pipeline and returns the frame channel. The
// channel is closed when the stream stops: after Stop, after a file ends
// (unless Loop is set) or once reconnection gives up.
func (s *Stream) Start(ctx context.Context) (<-chan perception.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrAlreadyStarted
	}

	frames := make(chan perception.Frame, s.cfg.Buffer)
	p, err := openPipeline(s.cfg, s.sampleHandler(frames))
	if err != nil {
		return nil, err
	}
	s.frames = frames

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()

	go s.run(runCtx, p, frames, s.done)

	s.logger.Info("capture: stream started")
	return frames, nil
}

// Stop tears the pipeline down and waits for the frame channel to close.
// Idempotent; the stream can be started again afterwards.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("capture: stop timeout exceeded, pipeline may still be running")
	}

	s.logger.Info("capture: stream stopped",
		"frames_captured", s.frameCount.Load(),
		"frames_dropped", s.framesDropped.Load(),
		"reconnects", s.reconnects.Load(),
		"uptime", time.Since(s.started),
	)
	s.cancel = nil
	return nil
}

// Done is closed once the stream has stopped for any reason. Nil before
// Start.
func (s *Stream) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// run supervises pipelines until ctx ends or retries run out, then closes
// frames. Samples only reach frames from a pipeline this goroutine owns,
// and a pipeline in NULL state fires no callbacks, so the close is safe.
func (s *Stream) run(ctx context.Context, p *pipeline, frames chan perception.Frame, done chan struct{}) {
	defer close(done)
	defer close(frames)

	attempt := 0
	for {
		playing, err := s.monitor(ctx, p)
		if cerr := p.close(); cerr != nil {
			s.logger.Error("capture: failed to stop pipeline", "error", cerr)
		}
		s.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errEndOfStream) && (s.kind != SourceFile || !s.cfg.Loop) {
			s.logger.Info("capture: end of stream", "frames_processed", s.frameCount.Load())
			return
		}
		if playing {
			attempt = 0
		}

		// end of a looping file reopens straight away
		if !errors.Is(err, errEndOfStream) {
			attempt++
			s.reconnects.Add(1)
			if attempt > s.cfg.MaxRetries {
				s.logger.Error("capture: giving up after reconnection failures",
					"error", err,
					"max_retries", s.cfg.MaxRetries,
					"uptime", time.Since(s.started),
					"frames_processed", s.frameCount.Load(),
				)
				return
			}
			delay := backoff(attempt, s.cfg.RetryDelay, s.cfg.MaxRetryDelay)
			s.logger.Warn("capture: reconnecting",
				"error", err,
				"attempt", attempt,
				"max_retries", s.cfg.MaxRetries,
				"delay", delay,
			)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		for {
			p, err = openPipeline(s.cfg, s.sampleHandler(frames))
			if err == nil {
				break
			}
			attempt++
			s.reconnects.Add(1)
			if attempt > s.cfg.MaxRetries {
				s.logger.Error("capture: giving up, pipeline cannot be rebuilt", "error", err)
				return
			}
			timer := time.NewTimer(backoff(attempt, s.cfg.RetryDelay, s.cfg.MaxRetryDelay))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

var errEndOfStream = errors.New("capture: end of stream")

// monitor polls the pipeline bus until an error, end of stream or ctx
// cancellation. playing reports whether the pipeline reached PLAYING.
func (s *Stream) monitor(ctx context.Context, p *pipeline) (playing bool, err error) {
	bus := p.gst.GetPipelineBus()
	for {
		if ctx.Err() != nil {
			return playing, nil
		}
		// short timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return playing, errEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error(), gerr.DebugString())
			s.countError(category)
			s.logger.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames_processed", s.frameCount.Load(),
				"reconnects", s.reconnects.Load(),
			)
			return playing, fmt.Errorf("capture: pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != p.gst.GetName() {
				continue
			}
			_, state := msg.ParseStateChanged()
			if state == gst.StatePlaying && !playing {
				playing = true
				s.connected.Store(true)
				s.logger.Info("capture: pipeline playing")
			}
		}
	}
}

func (s *Stream) countError(c ErrorCategory) {
	switch c {
	case CategoryNetwork:
		s.errorsNetwork.Add(1)
	case CategoryCodec:
		s.errorsCodec.Add(1)
	case CategoryAuth:
		s.errorsAuth.Add(1)
	default:
		s.errorsUnknown.Add(1)
	}
}

// backoff is delay·2^(attempt-1), capped at ceiling.
func backoff(attempt int, delay, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return ceiling
	}
	d := delay * time.Duration(1<<uint(attempt-1))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Stats returns current counters. Safe for concurrent use.
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	frames := s.frameCount.Load()
	dropped := s.framesDropped.Load()

	var fps float64
	if !started.IsZero() {
		if up := time.Since(started).Seconds(); up > 0 {
			fps = float64(frames) / up
		}
	}
	var dropRate float64
	if total := frames + dropped; total > 0 {
		dropRate = float64(dropped) / float64(total) * 100
	}
	var latency int64
	if last := s.lastFrameAt.Load(); last > 0 {
		latency = time.Since(time.Unix(0, last)).Milliseconds()
	}

	return Stats{
		Source:        s.cfg.Name,
		Kind:          s.kind.String(),
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		FrameCount:    frames,
		FramesDropped: dropped,
		DropRate:      dropRate,
		FPSTarget:     s.cfg.TargetFPS,
		FPSReal:       fps,
		LatencyMS:     latency,
		BytesRead:     s.bytesRead.Load(),
		Reconnects:    s.reconnects.Load(),
		IsConnected:   s.connected.Load(),
		ErrorsNetwork: s.errorsNetwork.Load(),
		ErrorsCodec:   s.errorsCodec.Load(),
		ErrorsAuth:    s.errorsAuth.Load(),
		ErrorsUnknown: s.errorsUnknown.Load(),
	}
}

// Warmup consumes frames for duration and measures their cadence. The
// frames read here are discarded. An irregular stream returns its stats
// together with ErrUnstable.
func (s *Stream) Warmup(ctx context.Context, duration time.Duration) (WarmupStats, error) {
	s.mu.RLock()
	frames := s.frames
	running := s.cancel != nil
	s.mu.RUnlock()
	if !running {
		return WarmupStats{}, ErrNotStarted
	}

	return Measure(ctx, frames, duration, s.logger)
}

// Measure reads frames for duration and computes their cadence. It needs
// at least two frames.
func Measure(ctx context.Context, frames <-chan perception.Frame, duration time.Duration, logger *slog.Logger) (WarmupStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("capture: starting warmup", "duration", duration)

	started := time.Now()
	times := make([]time.Time, 0, 64)

	timer := time.NewTimer(duration)
	defer timer.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return WarmupStats{}, ctx.Err()
		case <-timer.C:
			break collect
		case f, ok := <-frames:
			if !ok {
				return WarmupStats{}, errors.New("capture: stream closed during warmup")
			}
			times = append(times, f.Timestamp)
		}
	}

	if len(times) < 2 {
		return WarmupStats{}, fmt.Errorf("capture: not enough frames during warmup (got %d, need at least 2)", len(times))
	}

	stats := warmup.Calculate(times, time.Since(started))
	logger.Info("capture: warmup complete",
		"frames", stats.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)
	if !stats.IsStable {
		return stats, fmt.Errorf("%w (mean=%.2f Hz, stddev=%.2f, jitter=%.3fs)",
			ErrUnstable, stats.FPSMean, stats.FPSStdDev, stats.JitterMean)
	}
	return stats, nil
}
