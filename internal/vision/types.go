// Package vision implements the proctoring detection engine: the per-tick
// status classifier, the bounded face position history, and the violation
// tracker with cooldown gating and absence escalation. It is deliberately
// free of camera and inference dependencies; frames arrive through the
// Sampler interface and all temporal decisions take explicit timestamps.
package vision

import (
	"math"
	"time"
)

// Status is the mutually exclusive per-tick classification of the subject.
// Exactly one holds at any time; it is derived by Classify, never set
// directly.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusNoFace        Status = "no_face_detected"
	StatusFaceDetected  Status = "face_detected"
	StatusMultipleFaces Status = "multiple_faces_detected"
	StatusFaceCovered   Status = "face_covered"
	StatusNotCentered   Status = "face_not_centered"
	StatusRapidMovement Status = "rapid_movement"
	StatusError         Status = "error"
)

// FacePresent reports whether the status implies at least one visible face.
func (s Status) FacePresent() bool {
	switch s {
	case StatusFaceDetected, StatusMultipleFaces, StatusFaceCovered,
		StatusNotCentered, StatusRapidMovement:
		return true
	}
	return false
}

// ViolationType identifies one countable proctoring violation. The set is
// closed; per-type counts and cooldown clocks are keyed by it.
type ViolationType string

const (
	ViolationNoFace                ViolationType = "no_face_detected"
	ViolationMultipleFaces         ViolationType = "multiple_faces_detected"
	ViolationNotCentered           ViolationType = "face_not_centered"
	ViolationFaceCovered           ViolationType = "face_covered"
	ViolationRapidMovement         ViolationType = "rapid_movement"
	ViolationFrequentDisappearance ViolationType = "frequent_disappearance"
	ViolationIdentityMismatch      ViolationType = "identity_mismatch"
)

// AllViolationTypes lists every violation type. Iterate this instead of
// hand-maintaining per-type switches so the set stays exhaustive.
var AllViolationTypes = []ViolationType{
	ViolationNoFace,
	ViolationMultipleFaces,
	ViolationNotCentered,
	ViolationFaceCovered,
	ViolationRapidMovement,
	ViolationFrequentDisappearance,
	ViolationIdentityMismatch,
}

// Valid reports whether vt is a known violation type.
func (vt ViolationType) Valid() bool {
	for _, known := range AllViolationTypes {
		if vt == known {
			return true
		}
	}
	return false
}

// Message returns the human-readable log line text for a recorded violation
// of this type.
func (vt ViolationType) Message() string {
	switch vt {
	case ViolationNoFace:
		return "No face visible for an extended period"
	case ViolationMultipleFaces:
		return "Multiple faces detected in frame"
	case ViolationNotCentered:
		return "Face not centered in frame"
	case ViolationFaceCovered:
		return "Face covered or obscured"
	case ViolationRapidMovement:
		return "Rapid head movement detected"
	case ViolationFrequentDisappearance:
		return "Face disappeared from frame repeatedly"
	case ViolationIdentityMismatch:
		return "Subject identity does not match the registered candidate"
	}
	return string(vt)
}

// Point is a position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box in frame pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the box center point.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// FaceObservation is one detected face within a single frame. Landmarks and
// Expressions are optional; a nil Landmarks slice means the detector did not
// produce landmark output, which is distinct from producing too few points.
type FaceObservation struct {
	Box         Box                `json:"box"`
	Confidence  float64            `json:"confidence"`
	Landmarks   []Point            `json:"landmarks,omitempty"`
	Expressions map[string]float64 `json:"expressions,omitempty"`
}

// Frame is one sampled camera frame with its face observations. Produced
// fresh every tick; not retained beyond the tick except as digested history.
type Frame struct {
	Width        int
	Height       int
	Captured     time.Time
	Observations []FaceObservation
}

// HasDimensions reports whether the frame carries usable pixel dimensions.
// Zero-dimension frames occur while the capture stream is still attaching
// and must be skipped, not classified.
func (f Frame) HasDimensions() bool {
	return f.Width > 0 && f.Height > 0
}

// Violation is one recorded, counted violation event. It is handed to the
// Recorder for append-only persistence.
type Violation struct {
	Type       ViolationType `json:"type"`
	Message    string        `json:"message"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// WarningKind distinguishes the advisory absence warning from the
// violation-confirmed banner.
type WarningKind string

const (
	// WarningNoFace is the advisory first tier of the absence escalation.
	// It carries no count.
	WarningNoFace WarningKind = "no_face_warning"
	// WarningViolation announces that a violation was just recorded.
	WarningViolation WarningKind = "violation_recorded"
)

// Warning is the single displayed warning slot. At most one exists at a
// time; raising a new one replaces the old (last write wins). A zero
// ExpiresAt means the warning is sticky until dismissed or the condition
// resolves.
type Warning struct {
	Kind      WarningKind   `json:"kind"`
	Violation ViolationType `json:"violation,omitempty"`
	Message   string        `json:"message"`
	RaisedAt  time.Time     `json:"raised_at"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}

func distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}
