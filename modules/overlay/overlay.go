// Package overlay turns backend results into drawable overlays.
//
// It owns the coordinate mapping from source image space to the viewport
// a renderer draws on, the label text shown next to each box, and the
// colour palette. Presenter is the render consumer: it takes the latest
// result event and hands a Scene to a Renderer.
//
// Drawing itself is the renderer's job; this package never touches pixels.
package overlay

import (
	"image/color"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// Size is a viewport or image extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SizeOf returns the source image size of a result.
func SizeOf(r perception.ResultFrame) Size {
	return Size{Width: float64(r.SourceWidth), Height: float64(r.SourceHeight)}
}

// Overlay is one box ready to draw, in viewport units.
type Overlay struct {
	Box   perception.Rect `json:"box"`
	Label string          `json:"label"`
	Color color.RGBA      `json:"color"`
}

// Scene is everything a renderer draws for one result. An empty Overlays
// slice clears whatever was drawn before.
type Scene struct {
	Mode            perception.RunningMode `json:"-"`
	ModeName        string                 `json:"mode"`
	Index           int                    `json:"index"`
	Overlays        []Overlay              `json:"overlays"`
	InferenceTimeMs int64                  `json:"inference_time_ms"`
	At              time.Time              `json:"at"`
}

// Renderer is the presentation layer. Render is called from the
// presenter goroutine only, never concurrently.
type Renderer interface {
	Viewport() Size
	Render(scene Scene) error
}
