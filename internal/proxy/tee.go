package proxy

import (
	"io"
	"sync"
)

// teeCapacity is the frame buffer between the forward path and the
// collector. Excess frames are dropped from the capture rather than
// slowing the client.
const teeCapacity = 64

// teeBody wraps a streaming response body: every frame read by the
// downstream client is also side-channeled to a collector that assembles
// the captured payload up to the size cap. The forward path never blocks
// on the collector.
type teeBody struct {
	src    io.ReadCloser
	frames chan []byte

	closeOnce sync.Once
}

// newTeeBody wraps src. onComplete receives the accumulated capture
// (≤ limit bytes) exactly once, after the stream ends or the client
// disconnects.
func newTeeBody(src io.ReadCloser, limit int, onComplete func(captured []byte, truncated bool)) *teeBody {
	t := &teeBody{
		src:    src,
		frames: make(chan []byte, teeCapacity),
	}

	go func() {
		var captured []byte
		truncated := false
		for frame := range t.frames {
			if len(captured) >= limit {
				truncated = true
				continue
			}
			room := limit - len(captured)
			if len(frame) > room {
				frame = frame[:room]
				truncated = true
			}
			captured = append(captured, frame...)
		}
		onComplete(captured, truncated)
	}()

	return t
}

// Read forwards from the upstream and side-channels a copy.
func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		frame := make([]byte, n)
		copy(frame, p[:n])
		select {
		case t.frames <- frame:
		default:
			// Collector is behind; the capture loses this frame but the
			// client does not wait.
		}
	}
	if err != nil {
		t.finish()
	}
	return n, err
}

// Close releases the collector even when the stream never ended.
func (t *teeBody) Close() error {
	t.finish()
	return t.src.Close()
}

func (t *teeBody) finish() {
	t.closeOnce.Do(func() { close(t.frames) })
}
