package vision

import "math"

// Classify maps one frame plus the rolling position history to a status.
// It is deterministic given (frame, history, opts). When exactly one face
// is observed its box is appended to history as part of the motion test.
//
// Precedence when several conditions hold at once, highest first:
// no face > multiple faces > covered > not centered > rapid movement.
func Classify(frame Frame, history *FaceHistory, opts Options) Status {
	switch {
	case len(frame.Observations) == 0:
		return StatusNoFace
	case len(frame.Observations) > 1:
		return StatusMultipleFaces
	}

	obs := frame.Observations[0]
	history.Append(obs.Box, frame.Captured)

	if faceCovered(obs, opts) {
		return StatusFaceCovered
	}
	if !faceCentered(obs.Box, frame, opts) {
		return StatusNotCentered
	}
	if rapidMovement(history, opts) {
		return StatusRapidMovement
	}
	return StatusFaceDetected
}

// faceCovered reports whether the single observation looks obscured: the
// detector's confidence is below the threshold, or landmark output exists
// but is missing points (eyes, nose, mouth corners). A detector that emits
// no landmarks at all is not penalised for it.
func faceCovered(obs FaceObservation, opts Options) bool {
	if obs.Confidence < opts.FaceDetectionThreshold {
		return true
	}
	if obs.Landmarks != nil && len(obs.Landmarks) < opts.MinLandmarkPoints {
		return true
	}
	return false
}

// faceCentered reports whether the box center is within the normalized
// tolerance of the frame center on both axes.
func faceCentered(b Box, frame Frame, opts Options) bool {
	if !frame.HasDimensions() {
		return true
	}
	c := b.Center()
	dx := math.Abs(c.X-float64(frame.Width)/2) / float64(frame.Width)
	dy := math.Abs(c.Y-float64(frame.Height)/2) / float64(frame.Height)
	return dx <= opts.FaceCenteredTolerance && dy <= opts.FaceCenteredTolerance
}

// rapidMovement applies the motion test over the newest
// RapidMovementMinSamples history entries: mean normalized displacement
// above the threshold, and a sample span short enough to rule out a stalled
// or paused stream. Older samples beyond the window are ignored so a full
// buffer cannot push the span past the limit.
func rapidMovement(history *FaceHistory, opts Options) bool {
	n := opts.RapidMovementMinSamples
	if history.Len() < n {
		return false
	}
	if span := history.Span(n); span <= 0 || span >= opts.RapidMovementMaxSpan {
		return false
	}
	return history.MeanDisplacement(n) > opts.RapidMovementThreshold
}
