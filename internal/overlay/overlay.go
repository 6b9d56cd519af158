// Package overlay draws detection results onto preview frames. It is
// stateless; the annotated frame is only ever shown to the candidate and
// never fed back into detection.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/examsentry/proctor/internal/vision"
)

var (
	colorOK      = color.RGBA{0, 200, 0, 0}
	colorWarn    = color.RGBA{0, 200, 255, 0}
	colorBad     = color.RGBA{0, 0, 255, 0}
	colorNeutral = color.RGBA{200, 200, 200, 0}
)

// statusColor maps a status to its box/label color (BGR byte order).
func statusColor(st vision.Status) color.RGBA {
	switch st {
	case vision.StatusFaceDetected:
		return colorOK
	case vision.StatusNotCentered:
		return colorWarn
	case vision.StatusInitializing:
		return colorNeutral
	default:
		return colorBad
	}
}

// Annotate draws face boxes, landmarks, and a status banner onto img in
// place.
func Annotate(img *gocv.Mat, obs []vision.FaceObservation, status vision.Status) {
	c := statusColor(status)

	for _, o := range obs {
		rect := image.Rect(
			int(o.Box.X),
			int(o.Box.Y),
			int(o.Box.X+o.Box.Width),
			int(o.Box.Y+o.Box.Height),
		)
		gocv.Rectangle(img, rect, c, 2)

		label := fmt.Sprintf("%.0f%%", o.Confidence*100)
		gocv.PutText(img, label,
			image.Pt(rect.Min.X, rect.Min.Y-6),
			gocv.FontHersheySimplex, 0.5, c, 1)

		for _, p := range o.Landmarks {
			gocv.Circle(img, image.Pt(int(p.X), int(p.Y)), 2, c, -1)
		}
	}

	gocv.PutText(img, string(status),
		image.Pt(10, 24),
		gocv.FontHersheySimplex, 0.7, c, 2)
}
