// Package model wraps the YuNet face detection model and assembles the
// capture-to-classifier sampling pipeline. All OpenCV inference lives here;
// the detection engine itself never touches gocv.
package model

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/examsentry/proctor/internal/capture"
	"github.com/examsentry/proctor/internal/monitoring"
	"github.com/examsentry/proctor/internal/vision"
)

// LoadState tracks the model lifecycle. Loading is asynchronous from the
// caller's point of view only in that ticks arriving before Ready are
// skipped, never queued.
type LoadState string

const (
	StateIdle    LoadState = "idle"
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
	StateError   LoadState = "error"
)

// yuNetColumns is the per-face row layout of the YuNet output matrix:
// box x, y, w, h; five landmark x,y pairs (eyes, nose, mouth corners);
// confidence score.
const (
	yuNetColumns   = 15
	yuNetScoreCol  = 14
	yuNetLandmarks = 5
)

// Detector runs YuNet face detection over captured frames. Inference is
// serialized; the underlying OpenCV detector is not reentrant.
type Detector struct {
	path  string
	score float32
	nms   float32

	mu      sync.Mutex
	state   LoadState
	loadErr error
	yn      gocv.FaceDetectorYN
	inputW  int
	inputH  int
}

// NewDetector creates an unloaded detector for the ONNX model at path.
func NewDetector(path string, score, nms float32) *Detector {
	return &Detector{path: path, score: score, nms: nms, state: StateIdle}
}

// EnsureLoaded loads the model if it is not loaded yet. Idempotent: repeat
// calls after a successful load return nil immediately. A failed load is
// not sticky; the next call re-attempts from scratch, so a fixed model path
// or freed camera permissions can recover without a process restart.
func (d *Detector) EnsureLoaded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateReady {
		return nil
	}

	d.state = StateLoading
	d.loadErr = nil
	if _, err := os.Stat(d.path); err != nil {
		d.loadErr = fmt.Errorf("face model not found: %s: %w", d.path, err)
		d.state = StateError
		return d.loadErr
	}

	// Input size is updated per frame; the initial value only matters for
	// allocation.
	d.yn = gocv.NewFaceDetectorYNWithParams(
		d.path,
		"", // ONNX models carry their own config
		image.Pt(320, 320),
		d.score,
		d.nms,
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	d.inputW, d.inputH = 320, 320
	d.state = StateReady
	monitoring.Logf("face model loaded: %s (score=%.2f nms=%.2f)", d.path, d.score, d.nms)
	return nil
}

// State returns the current load state and, in StateError, the load error.
func (d *Detector) State() (LoadState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.loadErr
}

// Detect runs face detection on a captured BGR24 frame. Failures are
// transient inference errors, wrapped so the detection loop skips the tick
// without changing status.
func (d *Detector) Detect(img capture.Image) ([]vision.FaceObservation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateReady {
		return nil, fmt.Errorf("%w: model not loaded", vision.ErrInference)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: build input mat: %v", vision.ErrInference, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("%w: empty input mat", vision.ErrInference)
	}

	if img.Width != d.inputW || img.Height != d.inputH {
		d.yn.SetInputSize(image.Pt(img.Width, img.Height))
		d.inputW, d.inputH = img.Width, img.Height
	}

	faces := gocv.NewMat()
	defer faces.Close()
	d.yn.Detect(mat, &faces)

	var obs []vision.FaceObservation
	for r := 0; r < faces.Rows(); r++ {
		if faces.Cols() < yuNetColumns {
			return nil, fmt.Errorf("%w: unexpected detector output shape %dx%d",
				vision.ErrInference, faces.Rows(), faces.Cols())
		}
		o := vision.FaceObservation{
			Box: vision.Box{
				X:      float64(faces.GetFloatAt(r, 0)),
				Y:      float64(faces.GetFloatAt(r, 1)),
				Width:  float64(faces.GetFloatAt(r, 2)),
				Height: float64(faces.GetFloatAt(r, 3)),
			},
			Confidence: float64(faces.GetFloatAt(r, yuNetScoreCol)),
		}
		for l := 0; l < yuNetLandmarks; l++ {
			o.Landmarks = append(o.Landmarks, vision.Point{
				X: float64(faces.GetFloatAt(r, 4+2*l)),
				Y: float64(faces.GetFloatAt(r, 5+2*l)),
			})
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// Close releases the model resources.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateReady {
		d.yn.Close()
		d.state = StateIdle
	}
}

var (
	sharedMu sync.Mutex
	shared   *Detector
)

// Shared returns the process-wide detector, creating it on first call. The
// model is large; one copy serves every session in the process.
func Shared(path string, score, nms float32) *Detector {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = NewDetector(path, score, nms)
	}
	return shared
}
