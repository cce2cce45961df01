package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// MaxMessageSize bounds a single framed message. A larger length prefix
// means the stream lost framing.
const MaxMessageSize = 64 << 20

// Request is sent to the worker for every frame.
type Request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Format    string      `msgpack:"format"`
	Meta      RequestMeta `msgpack:"meta"`
}

// RequestMeta is echoed back by well-behaved workers.
type RequestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
	Mode      string `msgpack:"mode"`
}

// Response is the worker's answer to one Request.
type Response struct {
	Detections   []perception.Detection `msgpack:"detections"`
	SourceWidth  int                    `msgpack:"source_width"`
	SourceHeight int                    `msgpack:"source_height"`
	Timing       Timing                 `msgpack:"timing"`
	Error        string                 `msgpack:"error,omitempty"`
}

// Timing reports where the worker spent its time.
type Timing struct {
	TotalMs     float64 `msgpack:"total_ms"`
	InferenceMs float64 `msgpack:"inference_ms"`
}

func newRequest(frame perception.Frame, mode perception.RunningMode) Request {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    frame.Format,
		Meta: RequestMeta{
			Seq:       frame.Seq,
			Timestamp: ts.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
			Mode:      mode.String(),
		},
	}
}

// WriteMessage writes v as a 4-byte big-endian length followed by its
// MsgPack encoding.
func WriteMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("backend: marshal: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("backend: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message into v. io.EOF is returned
// unwrapped when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("backend: read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return fmt.Errorf("%w: message length %d exceeds %d", ErrWorkerBroken, n, MaxMessageSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("backend: read message (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("backend: unmarshal: %w", err)
	}
	return nil
}
