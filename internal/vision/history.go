package vision

import "time"

// BoxSample is one digested face position: the bounding box and when the
// frame was captured.
type BoxSample struct {
	Box      Box
	Captured time.Time
}

// FaceHistory is a bounded buffer of recent positions for the single
// tracked face, used only to estimate motion. Oldest samples are evicted
// once capacity is exceeded. One instance is owned by the engine and reused
// across ticks; it is not safe for concurrent use.
type FaceHistory struct {
	capacity int
	samples  []BoxSample
}

// NewFaceHistory creates a history with the given capacity. A capacity
// below 1 falls back to the default.
func NewFaceHistory(capacity int) *FaceHistory {
	if capacity < 1 {
		capacity = DefaultFaceHistorySize
	}
	return &FaceHistory{
		capacity: capacity,
		samples:  make([]BoxSample, 0, capacity),
	}
}

// Append records a new position sample, evicting the oldest if full.
func (h *FaceHistory) Append(b Box, captured time.Time) {
	h.samples = append(h.samples, BoxSample{Box: b, Captured: captured})
	if len(h.samples) > h.capacity {
		h.samples = h.samples[1:]
	}
}

// Len returns the number of stored samples.
func (h *FaceHistory) Len() int { return len(h.samples) }

// Samples returns the stored samples, oldest first. The returned slice is
// the internal buffer; callers must not retain or mutate it.
func (h *FaceHistory) Samples() []BoxSample { return h.samples }

// Clear drops all samples. Called on session stop and on device switch so
// frames from different devices are never compared for motion.
func (h *FaceHistory) Clear() { h.samples = h.samples[:0] }

// tail returns the n most recent samples, oldest first. n <= 0 or n beyond
// the stored count returns every sample.
func (h *FaceHistory) tail(n int) []BoxSample {
	if n <= 0 || n >= len(h.samples) {
		return h.samples
	}
	return h.samples[len(h.samples)-n:]
}

// Span returns the time between the oldest and newest of the n most recent
// samples. n <= 0 spans the whole buffer.
func (h *FaceHistory) Span(n int) time.Duration {
	s := h.tail(n)
	if len(s) < 2 {
		return 0
	}
	return s[len(s)-1].Captured.Sub(s[0].Captured)
}

// MeanDisplacement returns the average normalized center displacement
// between consecutive samples among the n most recent, n <= 0 meaning all.
// Each displacement is divided by the later box's width so the measure
// stays scale-invariant with distance from the camera. Returns 0 when fewer
// than two samples are in range.
func (h *FaceHistory) MeanDisplacement(n int) float64 {
	s := h.tail(n)
	if len(s) < 2 {
		return 0
	}
	var sum float64
	var cnt int
	for i := 1; i < len(s); i++ {
		later := s[i]
		if later.Box.Width <= 0 {
			continue
		}
		d := distance(later.Box.Center(), s[i-1].Box.Center())
		sum += d / later.Box.Width
		cnt++
	}
	if cnt == 0 {
		return 0
	}
	return sum / float64(cnt)
}

// LastDisplacement returns the normalized displacement between the two most
// recent samples, and whether one could be computed.
func (h *FaceHistory) LastDisplacement() (float64, bool) {
	n := len(h.samples)
	if n < 2 {
		return 0, false
	}
	later := h.samples[n-1]
	if later.Box.Width <= 0 {
		return 0, false
	}
	return distance(later.Box.Center(), h.samples[n-2].Box.Center()) / later.Box.Width, true
}
