package capture

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("capture: invalid config")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture: stream already started")

	// ErrNotStarted is returned by Warmup before Start.
	ErrNotStarted = errors.New("capture: stream not started")

	// ErrUnstable is returned by Warmup when the measured cadence is too
	// irregular; the stats are still returned.
	ErrUnstable = errors.New("capture: stream fps unstable")
)

// ErrorCategory groups pipeline errors for telemetry.
type ErrorCategory int

const (
	CategoryNetwork ErrorCategory = iota
	CategoryCodec
	CategoryAuth
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords    = []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}
	codecKeywords   = []string{"decode", "codec", "h264", "format", "caps", "negotiat", "demux", "parse"}
	networkKeywords = []string{"connection", "timeout", "timed out", "network", "resolve", "refused", "unreachable", "socket", "could not open resource"}
)

// Classify buckets a GStreamer error by message heuristics. Auth is
// checked first since auth failures usually also mention the connection.
func Classify(message, debug string) ErrorCategory {
	text := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(text, authKeywords):
		return CategoryAuth
	case containsAny(text, codecKeywords):
		return CategoryCodec
	case containsAny(text, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
