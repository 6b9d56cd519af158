package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/examsentry/proctor/internal/capture"
	"github.com/examsentry/proctor/internal/overlay"
	"github.com/examsentry/proctor/internal/vision"
)

// FrameSource is the slice of the capture session the pipeline needs.
type FrameSource interface {
	Grab() (capture.Image, error)
}

// FaceFinder is the slice of the detector the pipeline needs.
type FaceFinder interface {
	EnsureLoaded() error
	Detect(capture.Image) ([]vision.FaceObservation, error)
}

// PipelineConfig configures a sampling pipeline.
type PipelineConfig struct {
	Source   FrameSource
	Detector FaceFinder
	// Preview enables annotated JPEG previews of each sampled frame. Costs
	// one encode per tick; off for headless deployments.
	Preview bool
	// StatusFunc supplies the current engine status for preview annotation.
	// Optional; previews fall back to the initializing banner without it.
	StatusFunc func() vision.Status
}

// Pipeline implements the detection loop's sampler: grab one frame from the
// capture session, run face inference on it, and hand back a classifiable
// frame. It also retains the latest annotated preview image.
type Pipeline struct {
	source     FrameSource
	detector   FaceFinder
	preview    bool
	statusFunc func() vision.Status

	mu        sync.Mutex
	previewB  []byte
	previewAt time.Time
}

// NewPipeline creates a pipeline. Source and Detector are required.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		source:     cfg.Source,
		detector:   cfg.Detector,
		preview:    cfg.Preview,
		statusFunc: cfg.StatusFunc,
	}
}

// Sample grabs and infers one frame.
//
// Error mapping: a session that is stopped or still attaching surfaces as
// ErrNoFrame (skip the tick); model load failures and capture device errors
// are terminal and stop the loop; inference failures pass through as
// ErrInference (skip, status unchanged).
func (p *Pipeline) Sample(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	if err := p.detector.EnsureLoaded(); err != nil {
		return vision.Frame{}, fmt.Errorf("load face model: %w", err)
	}

	img, err := p.source.Grab()
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrNotStarted), errors.Is(err, capture.ErrNotReady):
			return vision.Frame{}, fmt.Errorf("%w: %v", vision.ErrNoFrame, err)
		default:
			return vision.Frame{}, err
		}
	}

	obs, err := p.detector.Detect(img)
	if err != nil {
		return vision.Frame{}, err
	}

	frame := vision.Frame{
		Width:        img.Width,
		Height:       img.Height,
		Captured:     time.Now(),
		Observations: obs,
	}
	if p.preview {
		p.renderPreview(img, frame)
	}
	return frame, nil
}

// renderPreview encodes an annotated JPEG of the sampled frame. Preview
// failures are swallowed; they must never affect detection.
func (p *Pipeline) renderPreview(img capture.Image, frame vision.Frame) {
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Data)
	if err != nil || mat.Empty() {
		return
	}
	defer mat.Close()

	status := vision.StatusInitializing
	if p.statusFunc != nil {
		status = p.statusFunc()
	}
	overlay.Annotate(&mat, frame.Observations, status)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return
	}
	defer buf.Close()

	p.mu.Lock()
	p.previewB = append(p.previewB[:0], buf.GetBytes()...)
	p.previewAt = frame.Captured
	p.mu.Unlock()
}

// Preview returns the latest annotated JPEG and its capture time. ok is
// false when no preview has been rendered yet.
func (p *Pipeline) Preview() (jpeg []byte, at time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.previewB) == 0 {
		return nil, time.Time{}, false
	}
	out := make([]byte, len(p.previewB))
	copy(out, p.previewB)
	return out, p.previewAt, true
}
