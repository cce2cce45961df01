// Package media decodes recorded assets with OpenCV: video files sampled
// at time offsets for the replay pre-scan, and still images for single
// shot detection.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// ErrUnreadable is returned when OpenCV cannot open or probe an asset.
var ErrUnreadable = errors.New("media: asset unreadable")

// Options controls how decoded frames are packaged.
type Options struct {
	// Format is perception.FormatRGB (default) or perception.FormatJPEG.
	Format string
	// JPEGQuality applies to FormatJPEG. Default 90.
	JPEGQuality int
	Logger      *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Format == "" {
		o.Format = perception.FormatRGB
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 90
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// VideoAsset is a video file opened for random access. It implements
// replay.FrameSource. Calls are serialized; OpenCV captures are not safe
// for concurrent use.
type VideoAsset struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	capture  *gocv.VideoCapture
	fps      float64
	count    int
	width    int
	height   int
	next     int // frame index the capture will decode without seeking
	seq      uint64
	closed   bool
	duration time.Duration
}

// OpenVideo opens path and probes its length. The duration is known
// before any frame is decoded.
func OpenVideo(path string, opts Options) (*VideoAsset, error) {
	opts.applyDefaults()

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrUnreadable, path, err)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	count := int(capture.Get(gocv.VideoCaptureFrameCount))
	if fps <= 0 || count <= 0 {
		capture.Close()
		return nil, fmt.Errorf("%w: %q reports %d frames at %.2f fps", ErrUnreadable, path, count, fps)
	}

	a := &VideoAsset{
		path:     path,
		opts:     opts,
		logger:   opts.Logger.With("component", "media", "asset", path),
		capture:  capture,
		fps:      fps,
		count:    count,
		width:    int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:   int(capture.Get(gocv.VideoCaptureFrameHeight)),
		duration: videoDuration(count, fps),
	}
	a.logger.Info("media: video opened",
		"frames", count,
		"fps", fps,
		"duration", a.duration,
		"resolution", fmt.Sprintf("%dx%d", a.width, a.height),
	)
	return a, nil
}

func videoDuration(count int, fps float64) time.Duration {
	return time.Duration(float64(count) / fps * float64(time.Second))
}

// frameIndex is the frame on screen at offset.
func frameIndex(offset time.Duration, fps float64) int {
	if offset <= 0 {
		return 0
	}
	return int(math.Floor(offset.Seconds() * fps))
}

// Duration implements replay.FrameSource.
func (a *VideoAsset) Duration() time.Duration { return a.duration }

// Size returns the frame size reported by the container.
func (a *VideoAsset) Size() (width, height int) { return a.width, a.height }

// FrameAt implements replay.FrameSource. Offsets past the last frame, and
// frames the decoder cannot produce at the tail, wrap
// perception.ErrAssetExhausted.
func (a *VideoAsset) FrameAt(ctx context.Context, offset time.Duration) (perception.Frame, error) {
	if err := ctx.Err(); err != nil {
		return perception.Frame{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return perception.Frame{}, fmt.Errorf("media: asset closed")
	}

	idx := frameIndex(offset, a.fps)
	if idx >= a.count {
		return perception.Frame{}, fmt.Errorf("%w: offset %v past %d frames", perception.ErrAssetExhausted, offset, a.count)
	}
	if idx != a.next {
		a.capture.Set(gocv.VideoCapturePosFrames, float64(idx))
	}

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := a.capture.Read(&mat); !ok || mat.Empty() {
		// containers often overstate their frame count
		return perception.Frame{}, fmt.Errorf("%w: no frame at index %d", perception.ErrAssetExhausted, idx)
	}
	a.next = idx + 1
	a.seq++

	frame, err := encodeFrame(mat, a.opts)
	if err != nil {
		return perception.Frame{}, err
	}
	frame.Seq = a.seq
	frame.Timestamp = time.Now()
	frame.Source = a.path
	frame.TraceID = uuid.New().String()

	a.logger.Debug("media: frame extracted",
		"offset", offset,
		"frame_index", idx,
		"trace_id", frame.TraceID,
	)
	return frame, nil
}

// Close releases the capture. Idempotent.
func (a *VideoAsset) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.capture.Close()
}

// LoadImage decodes a still image into a frame for single shot detection.
func LoadImage(path string, opts Options) (perception.Frame, error) {
	opts.applyDefaults()

	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return perception.Frame{}, fmt.Errorf("%w: cannot decode image %q", ErrUnreadable, path)
	}

	frame, err := encodeFrame(mat, opts)
	if err != nil {
		return perception.Frame{}, err
	}
	frame.Seq = 1
	frame.Timestamp = time.Now()
	frame.Source = path
	frame.TraceID = uuid.New().String()
	return frame, nil
}

// encodeFrame packages a BGR mat as opts.Format.
func encodeFrame(bgr gocv.Mat, opts Options) (perception.Frame, error) {
	frame := perception.Frame{
		Width:  bgr.Cols(),
		Height: bgr.Rows(),
		Format: opts.Format,
	}

	switch opts.Format {
	case perception.FormatRGB:
		rgb := gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)
		frame.Data = rgb.ToBytes()

	case perception.FormatJPEG:
		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, opts.JPEGQuality})
		if err != nil {
			return perception.Frame{}, fmt.Errorf("media: encode jpeg: %w", err)
		}
		defer buf.Close()
		// the native buffer is released on Close
		frame.Data = append([]byte(nil), buf.GetBytes()...)

	default:
		return perception.Frame{}, fmt.Errorf("media: unsupported frame format %q", opts.Format)
	}
	return frame, nil
}
