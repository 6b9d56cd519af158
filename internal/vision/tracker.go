package vision

import (
	"sync"
	"time"
)

// Tracker turns classifier statuses into counted, cooldown-gated violations
// and manages the single active warning slot. All methods take explicit
// timestamps so the escalation and cooldown behavior is testable without a
// clock.
//
// Per violation type the state machine is:
//
//	Normal -> (condition observed) -> Counted (cooldown running) -> (cooldown elapsed) -> Normal
//
// A type is recorded only when its condition is observed AND its cooldown
// has elapsed since the previous record, so a continuously covered face
// increments the counter once per cooldown window, not once per tick.
type Tracker struct {
	opts Options

	mu           sync.Mutex
	counts       map[ViolationType]int
	lastRecorded map[ViolationType]time.Time

	// absenceStart marks the beginning of the current continuous no-face
	// run; zero while a face is present.
	absenceStart time.Time

	// disappearances holds the timestamps of recent face-present to absent
	// transitions inside the sliding window.
	disappearances []time.Time

	lastStatus Status
	warning    *Warning
	terminated bool
}

// NewTracker creates a tracker with the given options.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{opts: opts}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.counts = make(map[ViolationType]int, len(AllViolationTypes))
	t.lastRecorded = make(map[ViolationType]time.Time, len(AllViolationTypes))
	for _, vt := range AllViolationTypes {
		t.counts[vt] = 0
	}
	t.absenceStart = time.Time{}
	t.disappearances = nil
	t.lastStatus = StatusInitializing
	t.warning = nil
	t.terminated = false
}

// Reset returns the tracker to its initial state: zero counts, no absence
// run, no warning, termination cleared. Called on session (re)initialization.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Observe processes one classified tick and returns the violations recorded
// by it (usually none). now is the tick time.
func (t *Tracker) Observe(status Status, now time.Time) []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recorded []Violation

	// Face-present to absent transition feeds the frequent-disappearance
	// window.
	if t.lastStatus.FacePresent() && status == StatusNoFace {
		t.disappearances = append(t.disappearances, now)
		t.pruneDisappearances(now)
		if len(t.disappearances) >= t.opts.DisappearanceCountThreshold {
			if v, ok := t.record(ViolationFrequentDisappearance, now); ok {
				recorded = append(recorded, v)
			}
			t.disappearances = nil
		}
	}

	switch {
	case status == StatusNoFace:
		if t.absenceStart.IsZero() {
			t.absenceStart = now
		}
		elapsed := now.Sub(t.absenceStart)
		switch {
		case elapsed >= t.opts.AbsenceViolationAfter:
			if v, ok := t.record(ViolationNoFace, now); ok {
				recorded = append(recorded, v)
			}
			// Reset the continuous-absence clock even when the cooldown
			// suppressed the record, so a later 60s run is measured from
			// here rather than accumulating.
			t.absenceStart = now
		case elapsed >= t.opts.AbsenceWarningAfter:
			if t.warning == nil || t.warning.Kind != WarningNoFace {
				t.warning = &Warning{
					Kind:     WarningNoFace,
					Message:  "No face detected. Please return to the camera view.",
					RaisedAt: now,
				}
			}
		}

	case status.FacePresent():
		// Re-detected: the absence run ends and any absence warning is
		// dismissed immediately.
		t.absenceStart = time.Time{}
		if t.warning != nil && (t.warning.Kind == WarningNoFace ||
			t.warning.Violation == ViolationNoFace) {
			t.warning = nil
		}
	}

	// Single-shot conditions: recorded on first observation, then gated
	// purely by the per-type cooldown.
	switch status {
	case StatusMultipleFaces:
		if v, ok := t.record(ViolationMultipleFaces, now); ok {
			recorded = append(recorded, v)
		}
	case StatusFaceCovered:
		if v, ok := t.record(ViolationFaceCovered, now); ok {
			recorded = append(recorded, v)
		}
	case StatusNotCentered:
		if v, ok := t.record(ViolationNotCentered, now); ok {
			recorded = append(recorded, v)
		}
	case StatusRapidMovement:
		if v, ok := t.record(ViolationRapidMovement, now); ok {
			recorded = append(recorded, v)
		}
	}

	t.expireWarning(now)
	t.lastStatus = status
	return recorded
}

// RecordManual records a violation reported from outside the classifier
// (identity mismatch from the setup flow). The cooldown still applies.
// Returns the violation and whether it was recorded.
func (t *Tracker) RecordManual(vt ViolationType, now time.Time) (Violation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !vt.Valid() {
		return Violation{}, false
	}
	return t.record(vt, now)
}

// record increments the count for vt if its cooldown has elapsed, resets
// the cooldown clock, raises the violation warning, and re-checks the
// aggregate threshold. Caller holds t.mu.
func (t *Tracker) record(vt ViolationType, now time.Time) (Violation, bool) {
	if last, ok := t.lastRecorded[vt]; ok && now.Sub(last) < t.opts.ViolationCooldown {
		return Violation{}, false
	}
	t.counts[vt]++
	t.lastRecorded[vt] = now

	v := Violation{Type: vt, Message: vt.Message(), RecordedAt: now}

	w := &Warning{
		Kind:      WarningViolation,
		Violation: vt,
		RaisedAt:  now,
	}
	if vt == ViolationNoFace {
		// Second tier of the absence escalation replaces the advisory
		// warning and stays up until the face reappears.
		w.Message = "Extended absence has been recorded as a policy violation."
	} else {
		w.Message = vt.Message() + ". This incident has been recorded."
		if t.opts.WarningAutoClear > 0 {
			w.ExpiresAt = now.Add(t.opts.WarningAutoClear)
		}
	}
	t.warning = w

	if !t.terminated && t.total() >= t.opts.AggregateViolationThreshold {
		t.terminated = true
	}
	return v, true
}

func (t *Tracker) pruneDisappearances(now time.Time) {
	cutoff := now.Add(-t.opts.DisappearanceWindow)
	kept := t.disappearances[:0]
	for _, ts := range t.disappearances {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.disappearances = kept
}

func (t *Tracker) expireWarning(now time.Time) {
	if t.warning != nil && !t.warning.ExpiresAt.IsZero() && !now.Before(t.warning.ExpiresAt) {
		t.warning = nil
	}
}

// Dismiss clears the active warning unconditionally, including any pending
// auto-clear deadline.
func (t *Tracker) Dismiss() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warning = nil
}

// Warning returns a copy of the active warning, or nil.
func (t *Tracker) Warning() *Warning {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.warning == nil {
		return nil
	}
	w := *t.warning
	return &w
}

// Counts returns a copy of the per-type violation counts. Every known type
// is present, zero or not.
func (t *Tracker) Counts() map[ViolationType]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ViolationType]int, len(t.counts))
	for vt, n := range t.counts {
		out[vt] = n
	}
	return out
}

// Total returns the sum of all violation counts.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total()
}

func (t *Tracker) total() int {
	var sum int
	for _, n := range t.counts {
		sum += n
	}
	return sum
}

// Terminated reports whether the aggregate threshold has been reached. The
// signal is one-way: it stays raised even if conditions later normalize,
// until Reset.
func (t *Tracker) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}
