// Package perception holds the data model shared by every stage of the
// synchronization engine: frames handed to a backend, the results it
// returns, the backend configuration that identifies a session, and the
// events emitted towards renderers.
//
// Values in this package are immutable once published. A ResultFrame
// handed to a handler MUST NOT be modified by the receiver.
package perception

import (
	"context"
	"time"
)

// Rect is an axis-aligned box. Units are those of the coordinate space
// it was produced in (source image pixels for backend output, viewport
// units after mapping).
type Rect struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// MaxX returns the right edge.
func (r Rect) MaxX() float64 { return r.X + r.Width }

// MaxY returns the bottom edge.
func (r Rect) MaxY() float64 { return r.Y + r.Height }

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Detection is one object found by the backend.
type Detection struct {
	// Label is the category name. Empty means the backend could not name it.
	Label string  `json:"label,omitempty" msgpack:"label"`
	Score float64 `json:"score" msgpack:"score"`
	Box   Rect    `json:"box" msgpack:"box"`
}

// ResultFrame is the output of one inference call.
//
// SourceWidth/SourceHeight are the pixel dimensions of the image the
// detections were computed on; every box lives in that space.
type ResultFrame struct {
	Detections      []Detection `json:"detections"`
	SourceWidth     int         `json:"source_width"`
	SourceHeight    int         `json:"source_height"`
	InferenceTimeMs int64       `json:"inference_time_ms"`
}

// Empty reports whether the result carries no detections.
func (r ResultFrame) Empty() bool { return len(r.Detections) == 0 }

// Frame is an image handed to the backend.
//
// Data layout is described by Format ("rgb" for packed RGB24, "jpeg" for
// an encoded still). Data MUST NOT be modified after the frame is offered.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    string
	Data      []byte
	Source    string
	TraceID   string
}

// Pixel formats understood by the backends.
const (
	FormatRGB  = "rgb"
	FormatJPEG = "jpeg"
)

// Backend runs inference. Implementations MUST honour ctx cancellation
// and MUST be safe to close while a call is in flight (the call then
// returns an error).
type Backend interface {
	Infer(ctx context.Context, frame Frame) (ResultFrame, error)
	Close() error
}

// BackendFactory constructs a Backend bound to one configuration.
type BackendFactory func(ctx context.Context, cfg Config) (Backend, error)
