package perception

import (
	"fmt"
	"strings"
)

// RunningMode selects how the backend schedules inference.
type RunningMode int

const (
	// ModeImage runs one-shot inference on still images.
	ModeImage RunningMode = iota
	// ModeVideo runs inference on frames decoded from a recorded asset.
	ModeVideo
	// ModeLiveStream runs inference on frames from a live capture source.
	ModeLiveStream
)

func (m RunningMode) String() string {
	switch m {
	case ModeImage:
		return "image"
	case ModeVideo:
		return "video"
	case ModeLiveStream:
		return "live_stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseRunningMode accepts the names returned by RunningMode.String.
func ParseRunningMode(s string) (RunningMode, error) {
	switch strings.ToLower(s) {
	case "image":
		return ModeImage, nil
	case "video":
		return ModeVideo, nil
	case "live_stream", "live", "livestream":
		return ModeLiveStream, nil
	}
	return 0, fmt.Errorf("%w: unknown running mode %q", ErrInvalidConfig, s)
}

// Delegate is the compute target of the backend.
type Delegate int

const (
	DelegateCPU Delegate = iota
	DelegateGPU
	DelegateNNAPI
)

func (d Delegate) String() string {
	switch d {
	case DelegateCPU:
		return "cpu"
	case DelegateGPU:
		return "gpu"
	case DelegateNNAPI:
		return "nnapi"
	default:
		return fmt.Sprintf("delegate(%d)", int(d))
	}
}

// ParseDelegate accepts "cpu", "gpu" or "nnapi" in any case.
func ParseDelegate(s string) (Delegate, error) {
	switch strings.ToLower(s) {
	case "cpu", "":
		return DelegateCPU, nil
	case "gpu":
		return DelegateGPU, nil
	case "nnapi":
		return DelegateNNAPI, nil
	}
	return 0, fmt.Errorf("%w: unknown delegate %q", ErrInvalidConfig, s)
}

// Limits applied by Config.Validate.
const (
	MaxResultsLimit = 10
	NumThreadsLimit = 8
)

// Config identifies a backend session. Two configs are the same session
// iff they compare equal with ==; the running mode is part of that
// identity, so changing it forces a new backend.
type Config struct {
	Model          string
	ScoreThreshold float64
	MaxResults     int
	NumThreads     int
	Delegate       Delegate
	Mode           RunningMode
}

// Validate rejects values no backend can honour.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("%w: score threshold %.2f outside [0,1]", ErrInvalidConfig, c.ScoreThreshold)
	}
	if c.MaxResults < 1 || c.MaxResults > MaxResultsLimit {
		return fmt.Errorf("%w: max results %d outside [1,%d]", ErrInvalidConfig, c.MaxResults, MaxResultsLimit)
	}
	if c.NumThreads < 1 || c.NumThreads > NumThreadsLimit {
		return fmt.Errorf("%w: num threads %d outside [1,%d]", ErrInvalidConfig, c.NumThreads, NumThreadsLimit)
	}
	if c.Delegate < DelegateCPU || c.Delegate > DelegateNNAPI {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Delegate)
	}
	if c.Mode < ModeImage || c.Mode > ModeLiveStream {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// WithMode returns a copy of c bound to mode.
func (c Config) WithMode(mode RunningMode) Config {
	c.Mode = mode
	return c
}
