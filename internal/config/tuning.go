package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/proctor.defaults.json"

// TuningConfig represents the root configuration for the detection engine.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
//
// All fields are pointers so a partial JSON file only overrides what it
// names; the Get* accessors supply defaults for anything left nil. The
// historical implementations of this engine disagreed on several of these
// values (violation cooldown, absence escalation, termination threshold),
// so every threshold is a named, overridable key rather than a literal.
type TuningConfig struct {
	// Detection loop params
	TickInterval *string `json:"tick_interval,omitempty"` // duration string like "1s" (an earlier deployment ran "500ms")

	// Classifier params
	FaceDetectionThreshold  *float64 `json:"face_detection_threshold,omitempty"`
	FaceCenteredTolerance   *float64 `json:"face_centered_tolerance,omitempty"`
	RapidMovementThreshold  *float64 `json:"rapid_movement_threshold,omitempty"`
	RapidMovementMinSamples *int     `json:"rapid_movement_min_samples,omitempty"`
	RapidMovementMaxSpan    *string  `json:"rapid_movement_max_span,omitempty"` // duration string like "1500ms"
	FaceHistorySize         *int     `json:"face_history_size,omitempty"`
	MinLandmarkPoints       *int     `json:"min_landmark_points,omitempty"`

	// Violation tracker params
	ViolationCooldown           *string `json:"violation_cooldown,omitempty"`      // duration string like "60s"
	AbsenceWarningAfter         *string `json:"absence_warning_after,omitempty"`   // duration string like "40s"
	AbsenceViolationAfter       *string `json:"absence_violation_after,omitempty"` // duration string like "60s"
	DisappearanceCountThreshold *int    `json:"disappearance_count_threshold,omitempty"`
	DisappearanceWindow         *string `json:"disappearance_window,omitempty"` // duration string like "120s"
	AggregateViolationThreshold *int    `json:"aggregate_violation_threshold,omitempty"`
	WarningAutoClear            *string `json:"warning_auto_clear,omitempty"` // duration string; "0s" disables auto-clear

	// Capture params
	CaptureWidth  *int     `json:"capture_width,omitempty"`
	CaptureHeight *int     `json:"capture_height,omitempty"`
	CaptureFPS    *float64 `json:"capture_fps,omitempty"`

	// Model params
	ModelPath              *string  `json:"model_path,omitempty"`
	DetectorScoreThreshold *float64 `json:"detector_score_threshold,omitempty"`
	DetectorNMSThreshold   *float64 `json:"detector_nms_threshold,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	ratios := map[string]*float64{
		"face_detection_threshold": c.FaceDetectionThreshold,
		"face_centered_tolerance":  c.FaceCenteredTolerance,
		"rapid_movement_threshold": c.RapidMovementThreshold,
		"detector_score_threshold": c.DetectorScoreThreshold,
		"detector_nms_threshold":   c.DetectorNMSThreshold,
	}
	for name, v := range ratios {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	durations := map[string]*string{
		"tick_interval":           c.TickInterval,
		"rapid_movement_max_span": c.RapidMovementMaxSpan,
		"violation_cooldown":      c.ViolationCooldown,
		"absence_warning_after":   c.AbsenceWarningAfter,
		"absence_violation_after": c.AbsenceViolationAfter,
		"disappearance_window":    c.DisappearanceWindow,
		"warning_auto_clear":      c.WarningAutoClear,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.FaceHistorySize != nil && *c.FaceHistorySize < 1 {
		return fmt.Errorf("face_history_size must be >= 1, got %d", *c.FaceHistorySize)
	}
	if c.RapidMovementMinSamples != nil && *c.RapidMovementMinSamples < 2 {
		return fmt.Errorf("rapid_movement_min_samples must be >= 2, got %d", *c.RapidMovementMinSamples)
	}
	if c.AggregateViolationThreshold != nil && *c.AggregateViolationThreshold < 1 {
		return fmt.Errorf("aggregate_violation_threshold must be >= 1, got %d", *c.AggregateViolationThreshold)
	}
	if c.DisappearanceCountThreshold != nil && *c.DisappearanceCountThreshold < 1 {
		return fmt.Errorf("disappearance_count_threshold must be >= 1, got %d", *c.DisappearanceCountThreshold)
	}
	if c.CaptureWidth != nil && *c.CaptureWidth < 1 {
		return fmt.Errorf("capture_width must be >= 1, got %d", *c.CaptureWidth)
	}
	if c.CaptureHeight != nil && *c.CaptureHeight < 1 {
		return fmt.Errorf("capture_height must be >= 1, got %d", *c.CaptureHeight)
	}
	if c.CaptureFPS != nil && *c.CaptureFPS <= 0 {
		return fmt.Errorf("capture_fps must be positive, got %f", *c.CaptureFPS)
	}

	// The absence warning must precede the absence violation or the two-tier
	// escalation collapses into a single step.
	if c.GetAbsenceWarningAfter() >= c.GetAbsenceViolationAfter() {
		return fmt.Errorf("absence_warning_after (%v) must be shorter than absence_violation_after (%v)",
			c.GetAbsenceWarningAfter(), c.GetAbsenceViolationAfter())
	}

	return nil
}

func (c *TuningConfig) parseDuration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetTickInterval parses and returns the TickInterval as a time.Duration.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return c.parseDuration(c.TickInterval, time.Second)
}

// GetFaceDetectionThreshold returns the confidence score below which a
// single detected face is treated as covered.
func (c *TuningConfig) GetFaceDetectionThreshold() float64 {
	if c.FaceDetectionThreshold == nil {
		return 0.6
	}
	return *c.FaceDetectionThreshold
}

// GetFaceCenteredTolerance returns the normalized distance from frame
// center beyond which the face counts as not centered.
func (c *TuningConfig) GetFaceCenteredTolerance() float64 {
	if c.FaceCenteredTolerance == nil {
		return 0.25
	}
	return *c.FaceCenteredTolerance
}

// GetRapidMovementThreshold returns the mean normalized displacement above
// which face motion counts as rapid.
func (c *TuningConfig) GetRapidMovementThreshold() float64 {
	if c.RapidMovementThreshold == nil {
		return 0.3
	}
	return *c.RapidMovementThreshold
}

// GetRapidMovementMinSamples returns the minimum number of history samples
// required before the rapid movement test runs.
func (c *TuningConfig) GetRapidMovementMinSamples() int {
	if c.RapidMovementMinSamples == nil {
		return 3
	}
	return *c.RapidMovementMinSamples
}

// GetRapidMovementMaxSpan returns the maximum timestamp span over the
// history samples for the rapid movement test to apply. Older samples mean
// the video was paused or stalled, not that the subject moved quickly.
func (c *TuningConfig) GetRapidMovementMaxSpan() time.Duration {
	return c.parseDuration(c.RapidMovementMaxSpan, 1500*time.Millisecond)
}

// GetFaceHistorySize returns the capacity of the face position ring buffer.
func (c *TuningConfig) GetFaceHistorySize() int {
	if c.FaceHistorySize == nil {
		return 5
	}
	return *c.FaceHistorySize
}

// GetMinLandmarkPoints returns the minimum landmark count (eyes, nose,
// mouth corners) below which a face is treated as covered.
func (c *TuningConfig) GetMinLandmarkPoints() int {
	if c.MinLandmarkPoints == nil {
		return 5
	}
	return *c.MinLandmarkPoints
}

// GetViolationCooldown returns the minimum elapsed time before the same
// violation type may be recorded again.
func (c *TuningConfig) GetViolationCooldown() time.Duration {
	return c.parseDuration(c.ViolationCooldown, 60*time.Second)
}

// GetAbsenceWarningAfter returns the continuous absence duration at which
// an advisory warning is raised.
func (c *TuningConfig) GetAbsenceWarningAfter() time.Duration {
	return c.parseDuration(c.AbsenceWarningAfter, 40*time.Second)
}

// GetAbsenceViolationAfter returns the continuous absence duration at
// which a noFaceDetected violation is recorded.
func (c *TuningConfig) GetAbsenceViolationAfter() time.Duration {
	return c.parseDuration(c.AbsenceViolationAfter, 60*time.Second)
}

// GetDisappearanceCountThreshold returns how many face disappearances
// within the disappearance window trigger a frequentDisappearance violation.
func (c *TuningConfig) GetDisappearanceCountThreshold() int {
	if c.DisappearanceCountThreshold == nil {
		return 3
	}
	return *c.DisappearanceCountThreshold
}

// GetDisappearanceWindow returns the sliding window for counting face
// disappearances.
func (c *TuningConfig) GetDisappearanceWindow() time.Duration {
	return c.parseDuration(c.DisappearanceWindow, 120*time.Second)
}

// GetAggregateViolationThreshold returns the total violation count across
// all types that triggers submission termination.
func (c *TuningConfig) GetAggregateViolationThreshold() int {
	if c.AggregateViolationThreshold == nil {
		return 3
	}
	return *c.AggregateViolationThreshold
}

// GetWarningAutoClear returns how long an advisory warning stays up before
// clearing on its own. Zero disables auto-clear.
func (c *TuningConfig) GetWarningAutoClear() time.Duration {
	return c.parseDuration(c.WarningAutoClear, 10*time.Second)
}

// GetCaptureWidth returns the requested capture frame width.
func (c *TuningConfig) GetCaptureWidth() int {
	if c.CaptureWidth == nil {
		return 640
	}
	return *c.CaptureWidth
}

// GetCaptureHeight returns the requested capture frame height.
func (c *TuningConfig) GetCaptureHeight() int {
	if c.CaptureHeight == nil {
		return 480
	}
	return *c.CaptureHeight
}

// GetCaptureFPS returns the requested capture frame rate.
func (c *TuningConfig) GetCaptureFPS() float64 {
	if c.CaptureFPS == nil {
		return 15
	}
	return *c.CaptureFPS
}

// GetModelPath returns the path to the face detection ONNX model.
func (c *TuningConfig) GetModelPath() string {
	if c.ModelPath == nil {
		return "models/face_detection_yunet_2023mar.onnx"
	}
	return *c.ModelPath
}

// GetDetectorScoreThreshold returns the detector's internal score cutoff.
// This is deliberately lower than face_detection_threshold so low-confidence
// (covered) faces still reach the classifier instead of vanishing.
func (c *TuningConfig) GetDetectorScoreThreshold() float64 {
	if c.DetectorScoreThreshold == nil {
		return 0.25
	}
	return *c.DetectorScoreThreshold
}

// GetDetectorNMSThreshold returns the detector's non-max-suppression cutoff.
func (c *TuningConfig) GetDetectorNMSThreshold() float64 {
	if c.DetectorNMSThreshold == nil {
		return 0.3
	}
	return *c.DetectorNMSThreshold
}
