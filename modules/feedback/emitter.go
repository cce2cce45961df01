// Package feedback turns detection results into a side-effecting
// notification (spoken text, a published message) without flooding the
// channel.
//
// The Emitter is single-flight: while one utterance is in progress every
// new Emit is dropped, and text identical to the last emitted text is
// suppressed. Completion is reported asynchronously by the channel through
// Done or Failed, keyed by the utterance ID handed to Speak.
package feedback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Speaker is a feedback channel. Speak starts an utterance and returns
// without waiting for it to finish; the channel later calls Emitter.Done
// or Emitter.Failed with the same utteranceID.
type Speaker interface {
	Speak(ctx context.Context, text, utteranceID string) error
}

// Stats counts Emit outcomes.
type Stats struct {
	Emitted    uint64
	Busy       uint64 // dropped because an utterance was in flight
	Duplicates uint64 // dropped because text equals the last emitted text
	Completed  uint64
	Failed     uint64
	InFlight   bool
	LastText   string
}

// Emitter guards a Speaker. Safe for concurrent use.
type Emitter struct {
	speaker Speaker
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight string // utterance ID, empty when idle
	lastText string
	stats    Stats
}

// NewEmitter wraps speaker.
func NewEmitter(speaker Speaker, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		speaker: speaker,
		logger:  logger.With("component", "feedback"),
	}
}

// Emit starts speaking text unless an utterance is in flight or text is
// the last emitted text. It returns the utterance ID and true when the
// text was handed to the speaker.
func (e *Emitter) Emit(ctx context.Context, text string) (string, bool) {
	if text == "" {
		return "", false
	}

	e.mu.Lock()
	if e.inFlight != "" {
		e.stats.Busy++
		e.mu.Unlock()
		return "", false
	}
	if text == e.lastText {
		e.stats.Duplicates++
		e.mu.Unlock()
		return "", false
	}
	id := uuid.New().String()
	e.inFlight = id
	e.lastText = text
	e.stats.Emitted++
	e.mu.Unlock()

	e.logger.Debug("feedback: speaking", "utterance_id", id, "text", text)

	// Speak runs outside the lock: a speaker may report completion
	// synchronously from inside Speak.
	if err := e.speaker.Speak(ctx, text, id); err != nil {
		e.logger.Warn("feedback: speak failed", "utterance_id", id, "error", err)
		e.Failed(id)
		return "", false
	}
	return id, true
}

// Done marks an utterance as finished. Unknown or already finished IDs are
// ignored.
func (e *Emitter) Done(utteranceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if utteranceID == "" || utteranceID != e.inFlight {
		return
	}
	e.inFlight = ""
	e.stats.Completed++
}

// Failed marks an utterance as aborted. The text is forgotten so the same
// content can be emitted again.
func (e *Emitter) Failed(utteranceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if utteranceID == "" || utteranceID != e.inFlight {
		return
	}
	e.inFlight = ""
	e.lastText = ""
	e.stats.Failed++
}

// Reset forgets the in-flight utterance and the last text. Late Done or
// Failed calls for the forgotten utterance are ignored.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = ""
	e.lastText = ""
}

// Stats returns a snapshot.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.InFlight = e.inFlight != ""
	s.LastText = e.lastText
	return s
}
