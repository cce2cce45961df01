package feedback

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/e7canasta/perception-sync/modules/overlay"
	"github.com/e7canasta/perception-sync/modules/perception"
)

// DefaultMaxLabels caps how many categories Describe mentions.
const DefaultMaxLabels = 3

// Describe summarises a result as the distinct labels of its detections,
// strongest first, joined by ", ". Detections scoring below minScore are
// ignored. An empty result describes as "".
func Describe(result perception.ResultFrame, minScore float64, maxLabels int) string {
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}

	best := make(map[string]float64)
	for _, d := range result.Detections {
		if d.Score < minScore {
			continue
		}
		name := d.Label
		if name == "" {
			name = overlay.UnknownLabel
		}
		if s, ok := best[name]; !ok || d.Score > s {
			best[name] = d.Score
		}
	}
	if len(best) == 0 {
		return ""
	}

	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if best[names[i]] != best[names[j]] {
			return best[names[i]] > best[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > maxLabels {
		names = names[:maxLabels]
	}
	return strings.Join(names, ", ")
}

// Receiver is the subscription Run reads from. resultbus receivers
// satisfy it.
type Receiver interface {
	Receive() (perception.Event, bool)
	Close()
}

// LoopConfig configures Run.
type LoopConfig struct {
	MinScore  float64
	MaxLabels int
	Logger    *slog.Logger
}

// Run feeds result events from recv into e until ctx is cancelled or recv
// is closed. Repeated replay indices, gaps and errors are ignored.
func Run(ctx context.Context, recv Receiver, e *Emitter, cfg LoopConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feedback-loop")

	stop := context.AfterFunc(ctx, recv.Close)
	defer stop()

	logger.Info("feedback-loop: started")
	for {
		ev, ok := recv.Receive()
		if !ok {
			logger.Info("feedback-loop: stopped", "stats", e.Stats())
			return
		}
		if ev.Kind != perception.EventResult || ev.Repeat {
			continue
		}
		text := Describe(ev.Result, cfg.MinScore, cfg.MaxLabels)
		if text == "" {
			continue
		}
		if id, ok := e.Emit(ctx, text); ok {
			logger.Debug("feedback-loop: emitted", "utterance_id", id, "session", ev.Session, "index", ev.Index)
		}
	}
}
