package vision

import "time"

// Default thresholds for the engine. The historical implementations of this
// engine shipped with several mutually inconsistent values (5 minute
// cooldowns, consecutive-tick absence counters, unenforced termination);
// these are the canonical ones. Deployments override them through the
// tuning config, never by editing literals.
const (
	DefaultTickInterval            = time.Second
	DefaultFaceDetectionThreshold  = 0.6
	DefaultFaceCenteredTolerance   = 0.25
	DefaultRapidMovementThreshold  = 0.3
	DefaultRapidMovementMinSamples = 3
	DefaultRapidMovementMaxSpan    = 1500 * time.Millisecond
	DefaultFaceHistorySize         = 5
	DefaultMinLandmarkPoints       = 5
	DefaultViolationCooldown       = 60 * time.Second
	DefaultAbsenceWarningAfter     = 40 * time.Second
	DefaultAbsenceViolationAfter   = 60 * time.Second
	DefaultDisappearanceCount      = 3
	DefaultDisappearanceWindow     = 120 * time.Second
	DefaultAggregateThreshold      = 3
	DefaultWarningAutoClear        = 10 * time.Second
)

// Options holds the immutable per-session tuning for the classifier,
// tracker, and detection loop.
type Options struct {
	// TickInterval is the detection loop period.
	TickInterval time.Duration
	// FaceDetectionThreshold is the confidence score below which a single
	// detected face is treated as covered.
	FaceDetectionThreshold float64
	// FaceCenteredTolerance is the normalized distance of the box center
	// from the frame center beyond which the face is not centered.
	FaceCenteredTolerance float64
	// RapidMovementThreshold is the mean normalized inter-sample center
	// displacement above which motion counts as rapid.
	RapidMovementThreshold float64
	// RapidMovementMinSamples is the minimum history length before the
	// rapid movement test applies.
	RapidMovementMinSamples int
	// RapidMovementMaxSpan bounds the history timestamp span for the rapid
	// movement test; stale samples from a paused stream must not trigger it.
	RapidMovementMaxSpan time.Duration
	// FaceHistorySize is the position ring buffer capacity.
	FaceHistorySize int
	// MinLandmarkPoints is the landmark count (eyes, nose, mouth corners)
	// below which a face with landmark output is treated as covered. The
	// gate only applies when the detector emits landmarks at all: a nil
	// landmark set means the detector does not report them, and a face is
	// never flagged as covered for a capability its detector lacks.
	MinLandmarkPoints int
	// ViolationCooldown is the per-type minimum interval between records.
	ViolationCooldown time.Duration
	// AbsenceWarningAfter is the continuous absence before the advisory
	// warning tier.
	AbsenceWarningAfter time.Duration
	// AbsenceViolationAfter is the continuous absence before a
	// noFaceDetected violation is recorded and the absence timer resets.
	AbsenceViolationAfter time.Duration
	// DisappearanceCountThreshold and DisappearanceWindow define the
	// frequent-disappearance test: N face losses within the window.
	DisappearanceCountThreshold int
	DisappearanceWindow         time.Duration
	// AggregateViolationThreshold is the total count across all types that
	// triggers the one-way terminate signal.
	AggregateViolationThreshold int
	// WarningAutoClear is how long a violation-recorded warning stays up.
	// Zero disables auto-clear. The absence warnings ignore it; they clear
	// when the face reappears.
	WarningAutoClear time.Duration
}

// DefaultOptions returns the canonical engine options.
func DefaultOptions() Options {
	return Options{
		TickInterval:                DefaultTickInterval,
		FaceDetectionThreshold:      DefaultFaceDetectionThreshold,
		FaceCenteredTolerance:       DefaultFaceCenteredTolerance,
		RapidMovementThreshold:      DefaultRapidMovementThreshold,
		RapidMovementMinSamples:     DefaultRapidMovementMinSamples,
		RapidMovementMaxSpan:        DefaultRapidMovementMaxSpan,
		FaceHistorySize:             DefaultFaceHistorySize,
		MinLandmarkPoints:           DefaultMinLandmarkPoints,
		ViolationCooldown:           DefaultViolationCooldown,
		AbsenceWarningAfter:         DefaultAbsenceWarningAfter,
		AbsenceViolationAfter:       DefaultAbsenceViolationAfter,
		DisappearanceCountThreshold: DefaultDisappearanceCount,
		DisappearanceWindow:         DefaultDisappearanceWindow,
		AggregateViolationThreshold: DefaultAggregateThreshold,
		WarningAutoClear:            DefaultWarningAutoClear,
	}
}
