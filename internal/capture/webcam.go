package capture

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"

	"github.com/examsentry/proctor/internal/monitoring"
)

// WebcamGrabber reads frames from a local capture device through OpenCV.
type WebcamGrabber struct {
	device int
	cap    *gocv.VideoCapture
	img    gocv.Mat
}

// OpenWebcam opens the capture device at the given index and applies the
// requested stream properties. The device may still need a few reads before
// it delivers real frames; Grab reports ErrNotReady until then.
func OpenWebcam(device, width, height, fps int) (*WebcamGrabber, error) {
	cap, err := gocv.VideoCaptureDevice(device)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, fmt.Errorf("%w: device %d: %v", ErrPermissionDenied, device, err)
		}
		return nil, fmt.Errorf("%w: device %d: %v", ErrNoDevice, device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: device %d", ErrNoDevice, device)
	}

	cap.Set(gocv.VideoCaptureBufferSize, 1)
	if width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	monitoring.Logf("opened capture device %d: %gx%g @ %g fps",
		device,
		cap.Get(gocv.VideoCaptureFrameWidth),
		cap.Get(gocv.VideoCaptureFrameHeight),
		cap.Get(gocv.VideoCaptureFPS))

	return &WebcamGrabber{device: device, cap: cap, img: gocv.NewMat()}, nil
}

// Grab reads one frame and copies it out as packed BGR24 bytes.
func (w *WebcamGrabber) Grab() (Image, error) {
	if ok := w.cap.Read(&w.img); !ok {
		return Image{}, fmt.Errorf("%w: device %d read failed", ErrNoDevice, w.device)
	}
	if w.img.Empty() {
		return Image{}, ErrNotReady
	}
	return Image{
		Data:   w.img.ToBytes(),
		Width:  w.img.Cols(),
		Height: w.img.Rows(),
	}, nil
}

func (w *WebcamGrabber) Close() error {
	w.img.Close()
	return w.cap.Close()
}

// EnumerateDevices probes device indexes 0..max-1 and returns the ones that
// open. Probing is slow; callers cache the result for the session.
func EnumerateDevices(max int) []int {
	var found []int
	for i := 0; i < max; i++ {
		cap, err := gocv.VideoCaptureDevice(i)
		if err != nil {
			continue
		}
		if cap.IsOpened() {
			found = append(found, i)
		}
		cap.Close()
	}
	return found
}

// OpenWebcamFunc adapts OpenWebcam to the Session factory signature for a
// fixed stream geometry.
func OpenWebcamFunc(width, height, fps int) func(device int) (*WebcamGrabber, error) {
	return func(device int) (*WebcamGrabber, error) {
		return OpenWebcam(device, width, height, fps)
	}
}
