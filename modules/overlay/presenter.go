package overlay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// Receiver yields events one at a time. Receive blocks until an event is
// available and reports false once the receiver is closed.
type Receiver interface {
	Receive() (perception.Event, bool)
	Close()
}

// PresenterConfig configures a Presenter.
type PresenterConfig struct {
	// Accept filters events before rendering. Events it rejects (typically
	// results from a torn-down session) are dropped. Nil accepts all.
	Accept func(perception.Event) bool
	Logger *slog.Logger
}

// PresenterStats is a snapshot of presenter counters.
type PresenterStats struct {
	Rendered     uint64
	Cleared      uint64
	Rejected     uint64
	RenderErrors uint64
}

// Presenter is the render consumer: it maps results onto the renderer's
// viewport and hands over a Scene.
//
// Events carry the presentation epoch they were published in. Fence
// starts a new epoch; events from an older one are rejected.
type Presenter struct {
	renderer Renderer
	accept   func(perception.Event) bool
	logger   *slog.Logger

	// mu is held across the accept check and Render.
	mu    sync.Mutex
	epoch atomic.Uint64

	rendered     atomic.Uint64
	cleared      atomic.Uint64
	rejected     atomic.Uint64
	renderErrors atomic.Uint64
}

// NewPresenter creates a presenter drawing on r.
func NewPresenter(r Renderer, cfg PresenterConfig) *Presenter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		renderer: r,
		accept:   cfg.Accept,
		logger:   logger.With("component", "presenter"),
	}
}

// Present renders a single event synchronously. Error and completion
// events carry nothing to draw and are ignored.
func (p *Presenter) Present(ev perception.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Epoch != p.epoch.Load() || (p.accept != nil && !p.accept(ev)) {
		p.rejected.Add(1)
		p.logger.Debug("presenter: event rejected",
			"session", ev.Session,
			"index", ev.Index,
			"kind", ev.Kind.String(),
		)
		return nil
	}

	scene := Scene{
		Mode:     ev.Mode,
		ModeName: ev.Mode.String(),
		Index:    ev.Index,
		At:       ev.At,
	}

	switch ev.Kind {
	case perception.EventResult:
		scene.Overlays = Build(ev.Result, p.renderer.Viewport())
		scene.InferenceTimeMs = ev.Result.InferenceTimeMs
	case perception.EventGap:
		scene.Overlays = []Overlay{}
	default:
		return nil
	}

	if err := p.renderer.Render(scene); err != nil {
		p.renderErrors.Add(1)
		return err
	}

	if len(scene.Overlays) == 0 {
		p.cleared.Add(1)
	} else {
		p.rendered.Add(1)
	}
	return nil
}

// Epoch is the current presentation epoch. Publishers stamp it into
// Event.Epoch.
func (p *Presenter) Epoch() uint64 { return p.epoch.Load() }

// Fence starts a new epoch and waits for a Render in progress to return.
// Once Fence returns, no event stamped with an earlier epoch is rendered.
// Call it after the producers of those events have stopped.
func (p *Presenter) Fence() uint64 {
	next := p.epoch.Add(1)
	p.mu.Lock()
	p.mu.Unlock()
	return next
}

// Run consumes events from recv until ctx is cancelled or recv is
// closed. Render failures are logged and do not stop the loop.
func (p *Presenter) Run(ctx context.Context, recv Receiver) error {
	stop := context.AfterFunc(ctx, recv.Close)
	defer stop()

	p.logger.Info("presenter: started")
	for {
		ev, ok := recv.Receive()
		if !ok {
			p.logger.Info("presenter: stopped", "rendered", p.rendered.Load())
			return ctx.Err()
		}
		if err := p.Present(ev); err != nil {
			p.logger.Warn("presenter: render failed",
				"index", ev.Index,
				"error", err,
			)
		}
	}
}

// Stats returns a snapshot of the presenter counters.
func (p *Presenter) Stats() PresenterStats {
	return PresenterStats{
		Rendered:     p.rendered.Load(),
		Cleared:      p.cleared.Load(),
		Rejected:     p.rejected.Load(),
		RenderErrors: p.renderErrors.Load(),
	}
}
