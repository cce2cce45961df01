package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// sinkName is the appsink element frames are pulled from.
const sinkName = "perception_sink"

// SourceKind is the family of a capture URL.
type SourceKind int

const (
	SourceRTSP SourceKind = iota
	SourceV4L2
	SourceFile
	SourceTest
)

func (k SourceKind) String() string {
	switch k {
	case SourceRTSP:
		return "rtsp"
	case SourceV4L2:
		return "v4l2"
	case SourceFile:
		return "file"
	case SourceTest:
		return "test"
	default:
		return "unknown"
	}
}

// ParseSource classifies url and returns the location handed to the
// GStreamer source element.
//
//	rtsp://host/path         → rtspsrc
//	v4l2:///dev/video0       → v4l2src (a bare /dev/video* path also works)
//	file:///clip.mp4 or path → filesrc + decodebin
//	test://                  → videotestsrc
func ParseSource(url string) (SourceKind, string, error) {
	switch {
	case url == "":
		return 0, "", fmt.Errorf("%w: capture url is required", ErrInvalidConfig)
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		return SourceRTSP, url, nil
	case strings.HasPrefix(url, "v4l2://"):
		return SourceV4L2, strings.TrimPrefix(url, "v4l2://"), nil
	case strings.HasPrefix(url, "/dev/video"):
		return SourceV4L2, url, nil
	case strings.HasPrefix(url, "test://"):
		return SourceTest, strings.TrimPrefix(url, "test://"), nil
	case strings.HasPrefix(url, "file://"):
		return SourceFile, strings.TrimPrefix(url, "file://"), nil
	case strings.Contains(url, "://"):
		return 0, "", fmt.Errorf("%w: unsupported capture url %q", ErrInvalidConfig, url)
	default:
		return SourceFile, url, nil
	}
}

// launchDescription builds the gst-launch pipeline for cfg. Every
// pipeline ends in packed RGB at the configured size, rate-limited by
// videorate, into a leaky single-buffer appsink.
func launchDescription(cfg Config) (string, error) {
	kind, location, err := ParseSource(cfg.URL)
	if err != nil {
		return "", err
	}

	var src string
	switch kind {
	case SourceRTSP:
		// protocols=tcp for go2rtc compatibility; low-rate streams get a
		// short jitter buffer
		latency := 200
		if cfg.TargetFPS > 0 && cfg.TargetFPS <= 2 {
			latency = 50
		}
		src = fmt.Sprintf(
			`rtspsrc location="%s" protocols=tcp latency=%d ntp-sync=false ! rtph264depay request-keyframe=true ! avdec_h264 max-threads=0 output-corrupt=false`,
			location, latency)
	case SourceV4L2:
		src = fmt.Sprintf(`v4l2src device="%s" ! decodebin`, location)
	case SourceFile:
		src = fmt.Sprintf(`filesrc location="%s" ! decodebin`, location)
	case SourceTest:
		pattern := location
		if pattern == "" {
			pattern = "ball"
		}
		src = fmt.Sprintf("videotestsrc is-live=true pattern=%s", pattern)
	}

	parts := []string{src, "videoconvert n-threads=0", "videoscale"}
	if cfg.TargetFPS > 0 {
		parts = append(parts, "videorate drop-only=true skip-to-first=true")
	}
	parts = append(parts,
		rawCaps(cfg.Width, cfg.Height, cfg.TargetFPS),
		// a file is paced against the clock so it behaves like a camera
		fmt.Sprintf("appsink name=%s sync=%t max-buffers=1 drop=true qos=true", sinkName, kind == SourceFile),
	)
	return strings.Join(parts, " ! "), nil
}

// rawCaps renders the output caps. Rates under 1 fps become 1/N.
func rawCaps(width, height int, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
	switch {
	case fps <= 0:
		return caps
	case fps < 1:
		return caps + fmt.Sprintf(",framerate=1/%d", int(1/fps))
	default:
		return caps + fmt.Sprintf(",framerate=%d/1", int(fps))
	}
}

// pipeline is one attempt at running the source. It is rebuilt from
// scratch on every reconnect.
type pipeline struct {
	gst  *gst.Pipeline
	sink *app.Sink
	kind SourceKind
}

func openPipeline(cfg Config, onSample func(*app.Sink) gst.FlowReturn) (*pipeline, error) {
	desc, err := launchDescription(cfg)
	if err != nil {
		return nil, err
	}
	kind, _, _ := ParseSource(cfg.URL)

	p, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("capture: create pipeline: %w", err)
	}
	elem, err := p.GetElementByName(sinkName)
	if err != nil {
		_ = p.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: onSample})

	if err := p.SetState(gst.StatePlaying); err != nil {
		_ = p.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: start pipeline: %w", err)
	}
	return &pipeline{gst: p, sink: sink, kind: kind}, nil
}

func (p *pipeline) close() error {
	if p == nil || p.gst == nil {
		return nil
	}
	if err := p.gst.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("capture: stop pipeline: %w", err)
	}
	return nil
}

func (s *Stream) sampleHandler(frames chan<- perception.Frame) func(*app.Sink) gst.FlowReturn {
	return func(sink *app.Sink) gst.FlowReturn { return s.onSample(sink, frames) }
}

// onSample copies the appsink buffer into a perception.Frame and hands it
// to the consumer without blocking the streaming thread. A busy consumer
// costs a dropped frame.
func (s *Stream) onSample(sink *app.Sink, frames chan<- perception.Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		s.logger.Warn("capture: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.logger.Warn("capture: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	now := time.Now()
	frame := perception.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: now,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Format:    perception.FormatRGB,
		Data:      pixels,
		Source:    s.cfg.Name,
		TraceID:   uuid.New().String(),
	}
	s.bytesRead.Add(uint64(len(pixels)))
	s.lastFrameAt.Store(now.UnixNano())

	select {
	case frames <- frame:
	default:
		s.framesDropped.Add(1)
		s.logger.Debug("capture: dropping frame, consumer busy",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}
	return gst.FlowOK
}
