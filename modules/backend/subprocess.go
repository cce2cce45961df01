package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// SubprocessConfig describes how to launch a worker.
//
// The worker receives the session configuration as flags appended to
// Args: --model, --score-threshold, --max-results, --num-threads,
// --delegate and --mode.
type SubprocessConfig struct {
	Command string
	Args    []string
	Env     []string // added to the parent environment

	WriteTimeout time.Duration // default 2s
	StopTimeout  time.Duration // default 2s

	Logger *slog.Logger
}

func (c *SubprocessConfig) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SubprocessStats counts worker calls.
type SubprocessStats struct {
	PID          int
	Calls        uint64
	Failures     uint64
	AvgLatencyMs float64
	Broken       bool
}

// Subprocess is a perception.Backend backed by one worker process.
// Calls are serialized: the protocol is strictly one request, one
// response.
type Subprocess struct {
	cfg     SubprocessConfig
	session perception.Config
	logger  *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	exited  chan struct{}
	waitErr error
	wg      sync.WaitGroup

	callMu sync.Mutex
	broken atomic.Bool
	closed atomic.Bool

	closeOnce sync.Once

	calls          atomic.Uint64
	failures       atomic.Uint64
	totalLatencyMs atomic.Uint64
}

// NewSubprocessFactory returns a factory that launches one worker per
// session.
func NewSubprocessFactory(cfg SubprocessConfig) perception.BackendFactory {
	return func(ctx context.Context, session perception.Config) (perception.Backend, error) {
		return StartSubprocess(ctx, cfg, session)
	}
}

// StartSubprocess launches the worker for session. ctx only bounds the
// launch; the process lives until Close.
func StartSubprocess(ctx context.Context, cfg SubprocessConfig, session perception.Config) (*Subprocess, error) {
	cfg.applyDefaults()
	if cfg.Command == "" {
		return nil, errors.New("backend: worker command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append(append([]string(nil), cfg.Args...), sessionFlags(session)...)
	cmd := exec.Command(cfg.Command, args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: start worker %q: %w", cfg.Command, err)
	}

	s := &Subprocess{
		cfg:     cfg,
		session: session,
		logger: cfg.Logger.With(
			"component", "backend",
			"pid", cmd.Process.Pid,
			"model", session.Model,
		),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}

	s.wg.Add(2)
	go s.logStderr(stderr)
	go s.waitProcess()

	s.logger.Info("backend: worker started",
		"command", cfg.Command,
		"mode", session.Mode.String(),
		"delegate", session.Delegate.String(),
	)
	return s, nil
}

func sessionFlags(c perception.Config) []string {
	return []string{
		"--model", c.Model,
		"--score-threshold", fmt.Sprintf("%.2f", c.ScoreThreshold),
		"--max-results", fmt.Sprint(c.MaxResults),
		"--num-threads", fmt.Sprint(c.NumThreads),
		"--delegate", c.Delegate.String(),
		"--mode", c.Mode.String(),
	}
}

// Infer implements perception.Backend. Cancelling ctx while the worker is
// busy kills the worker: its output stream can no longer be trusted. The
// returned error then wraps both ctx.Err() and ErrWorkerBroken.
func (s *Subprocess) Infer(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error) {
	if s.closed.Load() {
		return perception.ResultFrame{}, ErrClosed
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()

	if s.broken.Load() {
		return perception.ResultFrame{}, ErrWorkerBroken
	}

	started := time.Now()
	s.calls.Add(1)

	if err := s.write(ctx, newRequest(frame, s.session.Mode)); err != nil {
		s.failures.Add(1)
		return perception.ResultFrame{}, err
	}

	resp, err := s.read(ctx)
	if err != nil {
		s.failures.Add(1)
		return perception.ResultFrame{}, err
	}
	if resp.Error != "" {
		s.failures.Add(1)
		return perception.ResultFrame{}, fmt.Errorf("backend: worker: %s", resp.Error)
	}

	elapsed := time.Since(started)
	s.totalLatencyMs.Add(uint64(elapsed.Milliseconds()))

	result := perception.ResultFrame{
		Detections:      resp.Detections,
		SourceWidth:     resp.SourceWidth,
		SourceHeight:    resp.SourceHeight,
		InferenceTimeMs: int64(resp.Timing.TotalMs),
	}
	if result.SourceWidth == 0 || result.SourceHeight == 0 {
		result.SourceWidth, result.SourceHeight = frame.Width, frame.Height
	}
	if result.InferenceTimeMs == 0 {
		result.InferenceTimeMs = elapsed.Milliseconds()
	}

	s.logger.Debug("backend: inference",
		"frame_seq", frame.Seq,
		"trace_id", frame.TraceID,
		"detections", len(result.Detections),
		"inference_ms", result.InferenceTimeMs,
	)
	return ApplyLimits(result, s.session), nil
}

func (s *Subprocess) write(ctx context.Context, req Request) error {
	errCh := make(chan error, 1)
	go func() { errCh <- WriteMessage(s.stdin, req) }()

	select {
	case err := <-errCh:
		if err != nil {
			s.markBroken("write failed", err)
			return fmt.Errorf("%w: %w", ErrWorkerBroken, err)
		}
		return nil
	case <-time.After(s.cfg.WriteTimeout):
		s.markBroken("stdin write timeout", nil)
		return fmt.Errorf("%w: stdin write timeout (worker may be hung)", ErrWorkerBroken)
	case <-ctx.Done():
		s.markBroken("cancelled during write", ctx.Err())
		return fmt.Errorf("%w: %w", ErrWorkerBroken, ctx.Err())
	case <-s.exited:
		s.markBroken("worker exited", s.waitErr)
		return fmt.Errorf("%w: worker exited", ErrWorkerBroken)
	}
}

func (s *Subprocess) read(ctx context.Context) (Response, error) {
	type reply struct {
		resp Response
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		var r reply
		r.err = ReadMessage(s.stdout, &r.resp)
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			s.markBroken("read failed", r.err)
			return Response{}, fmt.Errorf("%w: %w", ErrWorkerBroken, r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		s.markBroken("cancelled during inference", ctx.Err())
		<-ch // the kill closes stdout, unblocking the reader
		return Response{}, fmt.Errorf("%w: %w", ErrWorkerBroken, ctx.Err())
	}
}

// markBroken poisons the backend and kills the worker. Later calls fail
// fast with ErrWorkerBroken.
func (s *Subprocess) markBroken(reason string, err error) {
	if !s.broken.CompareAndSwap(false, true) {
		return
	}
	if s.closed.Load() {
		s.logger.Debug("backend: worker stopped", "reason", reason)
	} else {
		s.logger.Warn("backend: worker unusable, killing", "reason", reason, "error", err)
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Close stops the worker: stdin is closed so it can exit on its own, and
// it is killed if it is still running after StopTimeout. Safe to call
// while Infer is running; that call then fails.
func (s *Subprocess) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.stdin.Close()

		select {
		case <-s.exited:
		case <-time.After(s.cfg.StopTimeout):
			s.logger.Warn("backend: worker stop timeout, force killing")
			s.markBroken("stop timeout", nil)
		}
		s.broken.Store(true)
		s.wg.Wait()

		s.logger.Info("backend: worker stopped",
			"calls", s.calls.Load(),
			"failures", s.failures.Load(),
		)
	})
	return nil
}

// Stats returns worker counters.
func (s *Subprocess) Stats() SubprocessStats {
	calls := s.calls.Load()
	failures := s.failures.Load()
	var avg float64
	if ok := calls - failures; ok > 0 {
		avg = float64(s.totalLatencyMs.Load()) / float64(ok)
	}
	return SubprocessStats{
		PID:          s.cmd.Process.Pid,
		Calls:        calls,
		Failures:     failures,
		AvgLatencyMs: avg,
		Broken:       s.broken.Load(),
	}
}

// logStderr forwards worker logs, mapping "[LEVEL]" markers to slog levels.
func (s *Subprocess) logStderr(stderr io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			s.logger.Error("backend: worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			s.logger.Warn("backend: worker warning", "log", line)
		default:
			s.logger.Debug("backend: worker log", "log", line)
		}
	}
}

// waitProcess reaps the worker.
func (s *Subprocess) waitProcess() {
	defer s.wg.Done()

	s.waitErr = s.cmd.Wait()
	close(s.exited)

	switch {
	case s.closed.Load() || s.broken.Load():
		s.logger.Debug("backend: worker exited", "error", s.waitErr)
	case s.waitErr != nil:
		s.logger.Error("backend: worker exited unexpectedly", "error", s.waitErr)
	default:
		s.logger.Warn("backend: worker exited")
	}
}
