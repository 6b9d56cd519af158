// Package capture manages the webcam capture session feeding the detection
// loop. A generic Session multiplexes a single FrameGrabber device behind
// start/stop/switch lifecycle operations, mirroring how the rest of the
// system keeps hardware access behind a narrow interface with a mock
// implementation for tests.
package capture

import "errors"

var (
	// ErrNoDevice means no capture device could be opened at the requested
	// index.
	ErrNoDevice = errors.New("no capture device available")
	// ErrPermissionDenied means the OS refused access to the device. This is
	// terminal for the session; the operator has to fix permissions and
	// restart.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNotStarted is returned by Grab before Start or after Stop.
	ErrNotStarted = errors.New("capture session not started")
	// ErrNotReady means the device is open but has not yet delivered a frame
	// with non-zero dimensions. Callers treat this as "try again next tick".
	ErrNotReady = errors.New("capture device not ready")
)

// Image is one captured frame in packed BGR24 byte order, the native layout
// of the underlying capture backend.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Ready reports whether the image has usable dimensions. Devices commonly
// deliver zero-sized frames while the stream is still attaching.
func (im Image) Ready() bool {
	return im.Width > 0 && im.Height > 0 && len(im.Data) > 0
}

// FrameGrabber is the minimal device interface for the capture session.
type FrameGrabber interface {
	// Grab returns the most recent frame. Zero-dimension images are legal
	// during stream attachment.
	Grab() (Image, error)
	Close() error
}
