// Package warmup measures the cadence of a live source before inference
// starts: frame rate, jitter and whether the stream is steady enough to
// debounce against.
package warmup

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold bounds the FPS standard deviation as a
	// fraction of the mean.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold bounds the mean jitter as a fraction of the
	// expected inter-frame interval.
	jitterStabilityThreshold = 0.20

	// rateSafetyMargin keeps inference below the measured source rate.
	rateSafetyMargin = 0.9
)

// Stats summarizes frame arrival times.
type Stats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	IsStable       bool
	JitterMean     float64 // seconds
	JitterStdDev   float64 // seconds
	JitterMax      float64 // seconds
}

// Calculate derives Stats from frame timestamps observed over total.
//
// A stream is stable when the FPS stddev stays under 15% of the mean and
// the mean jitter under 20% of the expected interval.
func Calculate(frameTimes []time.Time, total time.Duration) Stats {
	n := len(frameTimes)
	stats := Stats{FramesReceived: n, Duration: total}
	if n == 0 || total <= 0 {
		return stats
	}
	stats.FPSMean = float64(n) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		intervals = append(intervals, frameTimes[i].Sub(frameTimes[i-1]).Seconds())
	}

	instantaneous := make([]float64, 0, len(intervals))
	for _, iv := range intervals {
		if iv > 0 {
			instantaneous = append(instantaneous, 1/iv)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
	}
	stats.FPSStdDev = stddev(instantaneous, stats.FPSMean)

	expected := 1 / stats.FPSMean
	jitters := make([]float64, len(intervals))
	var sum float64
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
		sum += jitters[i]
		stats.JitterMax = math.Max(stats.JitterMax, jitters[i])
	}
	stats.JitterMean = sum / float64(len(jitters))
	stats.JitterStdDev = stddev(jitters, stats.JitterMean)

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

func stddev(values []float64, mean float64) float64 {
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// OptimalRate caps maxRate (Hz) at 90% of the measured stream rate.
func OptimalRate(stats Stats, maxRate float64) float64 {
	if stats.FPSMean <= 0 {
		return maxRate
	}
	if limit := stats.FPSMean * rateSafetyMargin; limit < maxRate {
		return limit
	}
	return maxRate
}

// SuggestedInterval turns OptimalRate into a debounce interval. The result
// is never shorter than minInterval.
func SuggestedInterval(stats Stats, minInterval time.Duration) time.Duration {
	if minInterval <= 0 {
		return minInterval
	}
	rate := OptimalRate(stats, 1/minInterval.Seconds())
	if rate <= 0 {
		return minInterval
	}
	interval := time.Duration(float64(time.Second) / rate)
	if interval < minInterval {
		return minInterval
	}
	return interval
}
