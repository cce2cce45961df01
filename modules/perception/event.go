package perception

import "time"

// EventKind classifies an Event.
type EventKind int

const (
	// EventResult carries a ResultFrame ready to render.
	EventResult EventKind = iota
	// EventGap marks a replay index whose pre-scan inference failed.
	// Renderers clear their overlay.
	EventGap
	// EventError reports a failed live inference. Nothing to render.
	EventError
	// EventFinished reports that a replay playback ran to completion.
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventGap:
		return "gap"
	case EventError:
		return "error"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a one-directional notification from the live dispatcher or
// the playback synchronizer to whatever consumes results.
type Event struct {
	Kind     EventKind
	Mode     RunningMode
	Session  uint64 // session generation that produced the result
	Index    int    // replay buffer index; -1 for live results
	Repeat   bool   // replay tick resolved the same index as the previous one
	Epoch    uint64 // presentation epoch stamped at publish; see overlay.Presenter.Fence
	FrameSeq uint64
	TraceID  string
	Result   ResultFrame
	Err      error
	At       time.Time
}

// EventHandler consumes events. It is registered at construction time
// and invoked from the producer's goroutine, so it MUST NOT block.
type EventHandler func(Event)
