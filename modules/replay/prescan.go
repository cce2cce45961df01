package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// FrameSource is a recorded asset that can be sampled at time offsets.
type FrameSource interface {
	// Duration is the asset length, known before the scan begins.
	Duration() time.Duration
	// FrameAt decodes the frame shown at offset. It returns an error
	// wrapping perception.ErrAssetExhausted when offset is past the end.
	FrameAt(ctx context.Context, offset time.Duration) (perception.Frame, error)
}

// InferFunc runs one inference and MUST honour ctx.
type InferFunc func(ctx context.Context, frame perception.Frame) (perception.ResultFrame, error)

// Policy decides what a failed sample does to the scan.
type Policy int

const (
	// PolicySkip leaves a gap at the failed index and continues.
	PolicySkip Policy = iota
	// PolicyInsertEmpty stores an empty result at the failed index.
	PolicyInsertEmpty
	// PolicyAbort stops the scan and returns the failure.
	PolicyAbort
)

func (p Policy) String() string {
	switch p {
	case PolicySkip:
		return "skip"
	case PolicyInsertEmpty:
		return "insert_empty"
	case PolicyAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return PolicySkip, nil
	case "insert_empty", "empty":
		return PolicyInsertEmpty, nil
	case "abort":
		return PolicyAbort, nil
	}
	return 0, fmt.Errorf("%w: unknown failure policy %q", perception.ErrInvalidConfig, s)
}

// Options configures PreScan.
type Options struct {
	Interval time.Duration // zero means DefaultInterval
	Policy   Policy
	// Progress is called after every sample with the number of samples
	// handled so far and the expected total.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// ExpectedSamples returns how many samples a scan of an asset of the
// given duration takes: ceil(duration / interval).
func ExpectedSamples(duration, interval time.Duration) int {
	if duration <= 0 || interval <= 0 {
		return 0
	}
	n := int(duration / interval)
	if duration%interval != 0 {
		n++
	}
	return n
}

// PreScan samples src at t = 0, Δ, 2Δ, ... while t < src.Duration(),
// runs infer on each frame and returns the resulting Buffer.
//
// The scan stops early, without error, when src reports
// perception.ErrAssetExhausted. A failed extraction or inference is
// handled according to opts.Policy. Cancelling ctx aborts the scan and
// returns ctx.Err().
func PreScan(ctx context.Context, src FrameSource, infer InferFunc, opts Options) (*Buffer, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "prescan")

	total := ExpectedSamples(src.Duration(), interval)
	b := &Buffer{
		interval: interval,
		results:  make([]perception.ResultFrame, 0, total),
		present:  make([]bool, 0, total),
	}

	logger.Info("prescan: starting",
		"duration", src.Duration(),
		"interval", interval,
		"expected_samples", total,
		"policy", opts.Policy.String(),
	)
	started := time.Now()

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		offset := time.Duration(i) * interval
		result, err := sample(ctx, src, infer, offset)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case err == nil:
			b.store(result, logger)

		case errors.Is(err, perception.ErrAssetExhausted):
			logger.Info("prescan: asset ended before expected",
				"index", i,
				"offset", offset,
			)
			return b.finish(logger, started), nil

		default:
			failure := &perception.InferenceError{Index: i, Err: err}
			switch opts.Policy {
			case PolicyAbort:
				logger.Error("prescan: aborted", "index", i, "error", err)
				return nil, failure
			case PolicyInsertEmpty:
				logger.Warn("prescan: sample failed, storing empty result", "index", i, "error", err)
				b.store(perception.ResultFrame{SourceWidth: b.sourceWidth, SourceHeight: b.sourceHeight}, logger)
			default:
				logger.Warn("prescan: sample failed, leaving gap", "index", i, "error", err)
				b.gaps = append(b.gaps, len(b.results))
				b.results = append(b.results, perception.ResultFrame{})
				b.present = append(b.present, false)
			}
		}

		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}
	}

	return b.finish(logger, started), nil
}

func sample(ctx context.Context, src FrameSource, infer InferFunc, offset time.Duration) (perception.ResultFrame, error) {
	frame, err := src.FrameAt(ctx, offset)
	if err != nil {
		if errors.Is(err, perception.ErrAssetExhausted) {
			return perception.ResultFrame{}, err
		}
		return perception.ResultFrame{}, fmt.Errorf("extract frame at %v: %w", offset, err)
	}

	result, err := infer(ctx, frame)
	if err != nil {
		// Exhaustion reported by a backend is still a failed sample
		if errors.Is(err, perception.ErrAssetExhausted) {
			return perception.ResultFrame{}, fmt.Errorf("infer at %v: %v", offset, err)
		}
		return perception.ResultFrame{}, fmt.Errorf("infer at %v: %w", offset, err)
	}

	if result.SourceWidth == 0 || result.SourceHeight == 0 {
		result.SourceWidth, result.SourceHeight = frame.Width, frame.Height
	}
	return result, nil
}

func (b *Buffer) store(r perception.ResultFrame, logger *slog.Logger) {
	if b.sourceWidth == 0 && r.SourceWidth > 0 {
		b.sourceWidth, b.sourceHeight = r.SourceWidth, r.SourceHeight
		// Backfill empty placeholders stored before dimensions were known
		for i := range b.results {
			if b.present[i] && b.results[i].SourceWidth == 0 {
				b.results[i].SourceWidth, b.results[i].SourceHeight = r.SourceWidth, r.SourceHeight
			}
		}
	} else if r.SourceWidth > 0 && (r.SourceWidth != b.sourceWidth || r.SourceHeight != b.sourceHeight) {
		logger.Warn("prescan: result dimensions differ from asset, keeping asset size",
			"index", len(b.results),
			"width", r.SourceWidth,
			"height", r.SourceHeight,
		)
		r.SourceWidth, r.SourceHeight = b.sourceWidth, b.sourceHeight
	}
	b.results = append(b.results, r)
	b.present = append(b.present, true)
}

func (b *Buffer) finish(logger *slog.Logger, started time.Time) *Buffer {
	logger.Info("prescan: complete",
		"samples", len(b.results),
		"gaps", len(b.gaps),
		"source_width", b.sourceWidth,
		"source_height", b.sourceHeight,
		"elapsed", time.Since(started),
	)
	return b
}
