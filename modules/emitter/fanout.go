package emitter

import (
	"errors"

	"github.com/e7canasta/perception-sync/modules/overlay"
)

// Fanout renders every scene on several renderers sharing one viewport.
type Fanout struct {
	viewport  overlay.Size
	renderers []overlay.Renderer
}

// NewFanout combines renderers. With none, scenes are mapped and then
// discarded.
func NewFanout(viewport overlay.Size, renderers ...overlay.Renderer) *Fanout {
	return &Fanout{viewport: viewport, renderers: renderers}
}

// Viewport implements overlay.Renderer.
func (f *Fanout) Viewport() overlay.Size { return f.viewport }

// Render implements overlay.Renderer. Every renderer is called even when
// an earlier one fails.
func (f *Fanout) Render(scene overlay.Scene) error {
	var errs []error
	for _, r := range f.renderers {
		if err := r.Render(scene); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
