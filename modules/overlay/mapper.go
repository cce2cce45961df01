package overlay

import (
	"github.com/e7canasta/perception-sync/modules/perception"
)

// EdgeOffset is the margin kept between a clamped box and the viewport
// border so the stroke stays visible.
const EdgeOffset = 2.0

// MapRect scales box from src space into dst space and clamps it to dst.
//
// Scaling is per axis: x and width by dst.Width/src.Width, y and height by
// dst.Height/src.Height. A degenerate source size yields a zero rect.
func MapRect(box perception.Rect, src, dst Size) perception.Rect {
	if src.Width <= 0 || src.Height <= 0 {
		return perception.Rect{}
	}

	sx := dst.Width / src.Width
	sy := dst.Height / src.Height

	mapped := perception.Rect{
		X:      box.X * sx,
		Y:      box.Y * sy,
		Width:  box.Width * sx,
		Height: box.Height * sy,
	}
	return Clamp(mapped, dst)
}

// Clamp keeps r inside bounds.
//
// A negative origin is moved to EdgeOffset (size unchanged); an edge past
// the bound is pulled in to bound-EdgeOffset. Sizes never go negative.
func Clamp(r perception.Rect, bounds Size) perception.Rect {
	if r.X < 0 {
		r.X = EdgeOffset
	}
	if r.Y < 0 {
		r.Y = EdgeOffset
	}
	if r.MaxY() > bounds.Height {
		r.Height = bounds.Height - r.Y - EdgeOffset
	}
	if r.MaxX() > bounds.Width {
		r.Width = bounds.Width - r.X - EdgeOffset
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}

// Build maps every detection of result into overlays for a dst viewport.
// Boxes that end up with no area are skipped; colours follow the
// detection's position in the result so they stay stable across skips.
func Build(result perception.ResultFrame, dst Size) []Overlay {
	src := SizeOf(result)
	overlays := make([]Overlay, 0, len(result.Detections))

	for i, det := range result.Detections {
		box := MapRect(det.Box, src, dst)
		if box.Empty() {
			continue
		}
		overlays = append(overlays, Overlay{
			Box:   box,
			Label: Label(det),
			Color: ColorFor(i + 1),
		})
	}
	return overlays
}
