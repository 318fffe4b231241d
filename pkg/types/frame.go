package types

import (
	"image"
	"time"
)

// CameraStream is one camera as listed by the stream directory.
type CameraStream struct {
	CameraID  string // Key into the reference store
	StreamURL string // Opaque to everything but the frame source
}

// Frame is a single still pulled from a camera stream
type Frame struct {
	CameraID string
	Image    image.Image
	PulledAt time.Time
}

// Resolution returns the frame's width and height
func (f Frame) Resolution() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}
