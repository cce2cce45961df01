// Package session owns the inference backend and its configuration.
//
// A Controller holds exactly one perception.Config at a time. The backend
// for it is created lazily on the first Infer and reused until the
// configuration changes or Teardown is called. Applying a configuration
// equal to the current one is a no-op; any difference tears the session
// down so the next Infer builds a fresh backend.
//
// Every teardown bumps the session generation and cancels the context
// handed to in-flight backend calls. A call that completes after its
// generation was retired returns perception.ErrStaleSession and its result
// is discarded. The retired backend is closed once its last in-flight call
// returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// Stats is a snapshot of the controller.
type Stats struct {
	Configured     bool
	Config         perception.Config
	Generation     uint64
	Creations      uint64
	Teardowns      uint64
	InFlight       int
	Inferences     uint64
	Failures       uint64
	StaleDiscarded uint64
	Replacements   uint64 // broken backends retired without a teardown
	BackendReady   bool
	LastError      string
}

// handle is one live backend plus the calls currently using it.
type handle struct {
	backend perception.Backend
	ctx     context.Context
	cancel  context.CancelFunc
	refs    int
	retired bool
}

// Controller is safe for concurrent use.
type Controller struct {
	factory perception.BackendFactory
	logger  *slog.Logger

	mu         sync.Mutex
	cfg        perception.Config
	configured bool
	generation uint64
	current    *handle
	building   chan struct{} // closed when an in-progress build ends
	createErr  error
	stats      Stats
}

// New returns a Controller with no configuration applied.
func New(factory perception.BackendFactory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		factory: factory,
		logger:  logger.With("component", "session"),
	}
}

// ApplyConfiguration replaces the whole configuration. It reports whether
// the session was torn down because cfg differs from the current one.
func (c *Controller) ApplyConfiguration(cfg perception.Config) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.configured && c.cfg == cfg {
		c.mu.Unlock()
		c.logger.Debug("session: configuration unchanged", "model", cfg.Model)
		return false, nil
	}
	old := c.retireLocked()
	previous, wasConfigured := c.cfg, c.configured
	c.cfg = cfg
	c.configured = true
	gen := c.generation
	c.mu.Unlock()

	closeBackend(old, c.logger)

	if wasConfigured {
		c.logger.Info("session: configuration changed",
			"generation", gen,
			"old_model", previous.Model,
			"new_model", cfg.Model,
			"mode", cfg.Mode.String(),
			"delegate", cfg.Delegate.String(),
		)
	} else {
		c.logger.Info("session: configured",
			"generation", gen,
			"model", cfg.Model,
			"mode", cfg.Mode.String(),
		)
	}
	return true, nil
}

// Config returns the current configuration.
func (c *Controller) Config() (perception.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.configured
}

// Generation identifies the current session. It changes on every
// teardown.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Infer runs one backend call against the current session, creating the
// backend first if needed.
//
// Errors: perception.ErrNotConfigured before any configuration;
// perception.ErrBackendUnavailable when the backend cannot be built (the
// failure is remembered until a different configuration is applied or the
// session is torn down); perception.ErrStaleSession when the session was
// torn down while the call ran. A call failing with
// perception.ErrBackendBroken retires the backend without ending the
// session: the next call builds a fresh one.
func (c *Controller) Infer(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error) {
	h, gen, err := c.acquire(ctx)
	if err != nil {
		return perception.ResultFrame{}, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, cancel)

	started := time.Now()
	result, err := h.backend.Infer(callCtx, frame)
	elapsed := time.Since(started)

	stop()
	cancel()

	c.mu.Lock()
	h.refs--
	stale := gen != c.generation
	broken := !stale && err != nil && c.current == h && errors.Is(err, perception.ErrBackendBroken)
	if broken {
		c.current = nil
		h.retired = true
		h.cancel()
		c.stats.Replacements++
	}
	drained := h.retired && h.refs == 0
	if stale {
		c.stats.StaleDiscarded++
	} else if err != nil {
		c.stats.Failures++
		c.stats.LastError = err.Error()
	} else {
		c.stats.Inferences++
	}
	c.mu.Unlock()

	if drained {
		closeBackend(h, c.logger)
	}
	if broken {
		c.logger.Warn("session: backend broken, replacing on next call",
			"generation", gen,
			"frame_seq", frame.Seq,
			"error", err,
		)
	}

	if stale {
		c.logger.Debug("session: discarding result from retired session",
			"generation", gen,
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
		return perception.ResultFrame{}, perception.ErrStaleSession
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return perception.ResultFrame{}, ctxErr
		}
		return perception.ResultFrame{}, fmt.Errorf("session: infer: %w", err)
	}

	if result.InferenceTimeMs == 0 {
		result.InferenceTimeMs = elapsed.Milliseconds()
	}
	if result.SourceWidth == 0 || result.SourceHeight == 0 {
		result.SourceWidth, result.SourceHeight = frame.Width, frame.Height
	}
	return result, nil
}

// acquire returns the current backend with a reference taken, building
// it first when there is none. The factory runs outside c.mu; concurrent
// callers wait on the building latch for the same backend instead of
// racing to build several.
func (c *Controller) acquire(ctx context.Context) (*handle, uint64, error) {
	for {
		c.mu.Lock()
		switch {
		case !c.configured:
			c.mu.Unlock()
			return nil, 0, perception.ErrNotConfigured
		case c.createErr != nil:
			err := c.createErr
			c.mu.Unlock()
			return nil, 0, err
		case c.current != nil:
			h, gen := c.current, c.generation
			h.refs++
			c.mu.Unlock()
			return h, gen, nil
		case c.building != nil:
			latch := c.building
			c.mu.Unlock()
			select {
			case <-latch:
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		latch := make(chan struct{})
		c.building = latch
		cfg, gen := c.cfg, c.generation
		c.mu.Unlock()

		h, err := c.build(cfg)

		c.mu.Lock()
		c.building = nil
		close(latch)
		if gen != c.generation {
			// Torn down or reconfigured while building: the result
			// belongs to nobody.
			c.mu.Unlock()
			if h != nil {
				h.cancel()
				closeBackend(h, c.logger)
			}
			continue
		}
		if err != nil {
			c.createErr = err
			c.stats.LastError = err.Error()
			c.mu.Unlock()
			c.logger.Error("session: backend creation failed",
				"generation", gen,
				"model", cfg.Model,
				"error", err,
			)
			return nil, 0, err
		}
		c.current = h
		c.stats.Creations++
		h.refs++
		c.mu.Unlock()

		c.logger.Info("session: backend created",
			"generation", gen,
			"model", cfg.Model,
			"mode", cfg.Mode.String(),
		)
		return h, gen, nil
	}
}

func (c *Controller) build(cfg perception.Config) (*handle, error) {
	hctx, cancel := context.WithCancel(context.Background())
	backend, err := c.factory(hctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", perception.ErrBackendUnavailable, err)
	}
	return &handle{backend: backend, ctx: hctx, cancel: cancel}, nil
}

// Teardown ends the current session: the generation advances, in-flight
// calls are cancelled and their results discarded, and the backend is
// closed once they return. A remembered creation failure is cleared.
// Calling Teardown again is harmless.
func (c *Controller) Teardown() {
	c.mu.Lock()
	old := c.retireLocked()
	gen := c.generation
	c.mu.Unlock()

	closeBackend(old, c.logger)
	c.logger.Info("session: torn down", "generation", gen)
}

// retireLocked advances the generation and detaches the current backend.
// It returns the handle if it can be closed right away.
func (c *Controller) retireLocked() *handle {
	c.generation++
	c.createErr = nil

	h := c.current
	c.current = nil
	if h == nil {
		return nil
	}
	c.stats.Teardowns++
	h.retired = true
	h.cancel()
	if h.refs > 0 {
		c.logger.Debug("session: backend busy, closing after in-flight calls", "in_flight", h.refs)
		return nil
	}
	return h
}

func closeBackend(h *handle, logger *slog.Logger) {
	if h == nil {
		return
	}
	if err := h.backend.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session: backend close failed", "error", err)
	}
}

// Stats returns a snapshot.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Configured = c.configured
	s.Config = c.cfg
	s.Generation = c.generation
	if c.current != nil {
		s.InFlight = c.current.refs
		s.BackendReady = true
	}
	return s
}
