// Package backend provides perception.Backend implementations.
//
// Subprocess runs a model in an external worker process and talks to it
// over stdin/stdout with length-prefixed MsgPack messages. Mock produces
// deterministic detections after a configurable latency and is used for
// demos and tests.
//
// Both apply the session limits (score threshold, max results) to what
// the model returns, so a worker that ignores its flags still honours
// the configuration.
package backend

import (
	"errors"
	"fmt"
	"sort"

	"github.com/e7canasta/perception-sync/modules/perception"
)

var (
	// ErrClosed is returned by Infer after Close.
	ErrClosed = errors.New("backend: closed")
	// ErrWorkerBroken means the worker process died, was killed or its
	// stream lost framing; the backend must be recreated. It wraps
	// perception.ErrBackendBroken.
	ErrWorkerBroken = fmt.Errorf("backend: worker process unusable: %w", perception.ErrBackendBroken)
)

// ApplyLimits drops detections scoring below cfg.ScoreThreshold and keeps
// the cfg.MaxResults strongest ones, highest score first.
func ApplyLimits(result perception.ResultFrame, cfg perception.Config) perception.ResultFrame {
	kept := make([]perception.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if d.Score >= cfg.ScoreThreshold {
			kept = append(kept, d)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if cfg.MaxResults > 0 && len(kept) > cfg.MaxResults {
		kept = kept[:cfg.MaxResults]
	}
	result.Detections = kept
	return result
}
