package playback

import "time"

// Tick runs one synchronization step without the ticker goroutine.
var Tick = (*Synchronizer).tick

// NewWallClockWithNow returns a WallClock reading time from now.
func NewWallClockWithNow(now func() time.Time) *WallClock {
	return &WallClock{now: now}
}
