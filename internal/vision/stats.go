package vision

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// MaxStatSamples bounds the per-session sample buffers. At the nominal
// 1 Hz tick rate this covers an hour of monitoring.
const MaxStatSamples = 3600

// SessionStats accumulates per-tick measurements for reporting: detector
// confidence, normalized movement, and status occupancy. It is reset with
// the engine on session (re)initialization.
type SessionStats struct {
	mu            sync.Mutex
	confidences   []float64
	displacements []float64
	statusTicks   map[Status]int64
	ticks         int64
}

// NewSessionStats creates an empty stats accumulator.
func NewSessionStats() *SessionStats {
	return &SessionStats{statusTicks: make(map[Status]int64)}
}

// RecordTick folds one classified tick into the accumulator. displacement
// is the latest normalized movement sample; pass ok=false when none was
// available this tick.
func (s *SessionStats) RecordTick(status Status, frame Frame, displacement float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.statusTicks[status]++
	if len(frame.Observations) == 1 {
		s.confidences = appendBounded(s.confidences, frame.Observations[0].Confidence)
	}
	if ok {
		s.displacements = appendBounded(s.displacements, displacement)
	}
}

func appendBounded(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > MaxStatSamples {
		samples = samples[1:]
	}
	return samples
}

// Reset drops all accumulated samples.
func (s *SessionStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidences = nil
	s.displacements = nil
	s.statusTicks = make(map[Status]int64)
	s.ticks = 0
}

// StatsSummary is a digest of a session's measurements for the report
// endpoints.
type StatsSummary struct {
	Ticks int64 `json:"ticks"`

	ConfidenceMean float64 `json:"confidence_mean"`
	ConfidenceP50  float64 `json:"confidence_p50"`
	ConfidenceP95  float64 `json:"confidence_p95"`

	DisplacementMean float64 `json:"displacement_mean"`
	DisplacementP95  float64 `json:"displacement_p95"`

	StatusTicks map[Status]int64 `json:"status_ticks"`
}

// Summary computes the digest. Quantiles are empirical; zero samples yield
// zero values rather than NaN.
func (s *SessionStats) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsSummary{
		Ticks:       s.ticks,
		StatusTicks: make(map[Status]int64, len(s.statusTicks)),
	}
	for st, n := range s.statusTicks {
		out.StatusTicks[st] = n
	}

	if len(s.confidences) > 0 {
		sorted := sortedCopy(s.confidences)
		out.ConfidenceMean = stat.Mean(sorted, nil)
		out.ConfidenceP50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
		out.ConfidenceP95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	if len(s.displacements) > 0 {
		sorted := sortedCopy(s.displacements)
		out.DisplacementMean = stat.Mean(sorted, nil)
		out.DisplacementP95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return out
}

// ConfidenceSeries returns a copy of the confidence samples in arrival
// order, for timeline plotting.
func (s *SessionStats) ConfidenceSeries() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.confidences))
	copy(out, s.confidences)
	return out
}

func sortedCopy(samples []float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	sort.Float64s(out)
	return out
}
