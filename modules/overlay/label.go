package overlay

import (
	"fmt"
	"image/color"
	"math"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// UnknownLabel names detections the backend could not categorise.
const UnknownLabel = "Unknown"

// Label formats a detection as "<name> (<pct>%)" with the score rounded
// to the nearest integer percentage.
func Label(d perception.Detection) string {
	name := d.Label
	if name == "" {
		name = UnknownLabel
	}
	return fmt.Sprintf("%s (%d%%)", name, int(math.Round(d.Score*100)))
}

// Palette is the fixed overlay colour cycle.
var Palette = [10]color.RGBA{
	{R: 255, G: 0, B: 0, A: 255},    // red
	{R: 90, G: 200, B: 250, A: 255}, // sky
	{R: 0, G: 255, B: 0, A: 255},    // green
	{R: 255, G: 128, B: 0, A: 255},  // orange
	{R: 0, G: 0, B: 255, A: 255},    // blue
	{R: 128, G: 0, B: 128, A: 255},  // purple
	{R: 255, G: 0, B: 255, A: 255},  // magenta
	{R: 255, G: 255, B: 0, A: 255},  // yellow
	{R: 0, G: 255, B: 255, A: 255},  // cyan
	{R: 153, G: 102, B: 51, A: 255}, // brown
}

// ColorFor returns the palette entry for the n-th detection (1-based).
func ColorFor(n int) color.RGBA {
	if n < 0 {
		n = -n
	}
	return Palette[n%len(Palette)]
}
