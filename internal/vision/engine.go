package vision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/examsentry/proctor/internal/monitoring"
)

// ErrNoFrame is returned by a Sampler when no frame with non-zero
// dimensions is available yet. The tick is skipped silently; stream
// attachment is asynchronous and this is not an error condition.
var ErrNoFrame = errors.New("no frame available")

// ErrInference marks a transient single-tick inference failure. The tick is
// skipped without changing the reported status, so a one-off failure never
// flickers the UI. Wrap it: fmt.Errorf("%w: ...", vision.ErrInference).
var ErrInference = errors.New("transient inference error")

// Sampler produces one classified-ready frame per call: grab a frame from
// the capture session and run face inference on it. Implementations must
// honor ctx cancellation. Any returned error other than ErrNoFrame or
// ErrInference is treated as terminal (permission revoked, device lost) and
// stops the detection loop.
type Sampler interface {
	Sample(ctx context.Context) (Frame, error)
}

// Recorder receives recorded violations for append-only persistence. The
// engine decides when; the recorder performs the I/O.
type Recorder interface {
	RecordViolation(v Violation) error
}

// EngineConfig contains the dependencies and hooks for an Engine.
type EngineConfig struct {
	Sampler Sampler
	Options Options
	// Recorder is optional; nil drops violation persistence.
	Recorder Recorder
	// OnTerminate fires once per session when the aggregate violation
	// threshold is reached. Optional.
	OnTerminate func()
	// OnIdentityVerified fires once per session on the first tick that
	// classifies a plain visible face. Optional; used by the setup flow,
	// never required by the monitoring flow.
	OnIdentityVerified func()
}

// Engine is the fixed-interval detection loop. It owns the face history and
// the violation tracker for one monitoring session. Run executes ticks
// strictly sequentially on a single goroutine, so two inferences never
// overlap; a tick whose turn arrives while the previous inference is still
// running is dropped by ticker coalescing, not queued.
type Engine struct {
	sampler            Sampler
	opts               Options
	recorder           Recorder
	onTerminate        func()
	onIdentityVerified func()

	tracker *Tracker
	history *FaceHistory
	stats   *SessionStats

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	status            Status
	lastFrameAt       time.Time
	ticks             int64
	lastErr           error
	terminateSent     bool
	identityConfirmed bool
}

// NewEngine creates an engine. Zero-valued option fields are not defaulted
// here; build Options with DefaultOptions or the tuning config.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		sampler:            cfg.Sampler,
		opts:               cfg.Options,
		recorder:           cfg.Recorder,
		onTerminate:        cfg.OnTerminate,
		onIdentityVerified: cfg.OnIdentityVerified,
		tracker:            NewTracker(cfg.Options),
		history:            NewFaceHistory(cfg.Options.FaceHistorySize),
		stats:              NewSessionStats(),
		status:             StatusInitializing,
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Run starts the detection loop. The first tick runs immediately so the
// first status does not wait a full period. Run blocks until the context is
// cancelled, Stop is called, or a terminal capture error occurs; the
// terminal error is returned, clean shutdown returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil // already running
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	defer func() {
		close(e.doneCh)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	interval := e.opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	monitoring.Logf("detection loop started: interval=%v", interval)

	// Immediate first tick; do not wait a full period for the first status.
	if err := e.tick(ctx, stopCh); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("detection loop stopping: context cancelled")
			return nil
		case <-stopCh:
			monitoring.Logf("detection loop stopping: Stop() called")
			return nil
		case <-ticker.C:
			if err := e.tick(ctx, stopCh); err != nil {
				return err
			}
		}
	}
}

// tick runs one sample/classify/track pass. A non-nil return is a terminal
// error that stops the loop after surfacing StatusError.
func (e *Engine) tick(ctx context.Context, stopCh chan struct{}) error {
	frame, err := e.sampler.Sample(ctx)

	// Stop or cancellation may have raced the in-flight sample; results
	// from such a tick are discarded, never applied.
	select {
	case <-stopCh:
		return nil
	case <-ctx.Done():
		return nil
	default:
	}

	now := time.Now()
	if frame.Captured.IsZero() {
		frame.Captured = now
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrNoFrame):
			monitoring.Debugf("tick skipped: %v", err)
			return nil
		case errors.Is(err, ErrInference):
			// Single failed inference: skip without touching the status.
			monitoring.Logf("inference failed, skipping tick: %v", err)
			return nil
		default:
			monitoring.Logf("capture failed, stopping detection loop: %v", err)
			e.mu.Lock()
			e.status = StatusError
			e.lastErr = err
			e.mu.Unlock()
			return err
		}
	}
	if !frame.HasDimensions() {
		monitoring.Debugf("tick skipped: zero-dimension frame")
		return nil
	}

	// The history buffer is also touched by ClearHistory on device switch,
	// so classification runs under the engine lock.
	e.mu.Lock()
	status := Classify(frame, e.history, e.opts)
	displacement, ok := e.history.LastDisplacement()
	e.mu.Unlock()

	recorded := e.tracker.Observe(status, now)
	e.stats.RecordTick(status, frame, displacement, ok)

	e.mu.Lock()
	e.status = status
	e.lastFrameAt = frame.Captured
	e.ticks++
	firstIdentity := status == StatusFaceDetected && !e.identityConfirmed
	if firstIdentity {
		e.identityConfirmed = true
	}
	terminate := e.tracker.Terminated() && !e.terminateSent
	if terminate {
		e.terminateSent = true
	}
	e.mu.Unlock()

	monitoring.Debugf("tick %s: %d face(s)", status, len(frame.Observations))

	for _, v := range recorded {
		monitoring.Logf("[%s] violation recorded: %s: %s",
			v.RecordedAt.Format(time.RFC3339), v.Type, v.Message)
		if e.recorder != nil {
			if err := e.recorder.RecordViolation(v); err != nil {
				monitoring.Logf("failed to persist violation %s: %v", v.Type, err)
			}
		}
	}

	if firstIdentity && e.onIdentityVerified != nil {
		e.onIdentityVerified()
	}
	if terminate {
		monitoring.Logf("aggregate violation threshold reached (%d): signalling termination",
			e.tracker.Total())
		if e.onTerminate != nil {
			e.onTerminate()
		}
	}
	return nil
}

// Stop halts the loop and resets the engine to an initializing-equivalent
// state: empty history, zeroed counts, no warning, ready for a subsequent
// Run. Safe to call at any point in the lifecycle, any number of times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.running {
		select {
		case <-e.stopCh:
		default:
			close(e.stopCh)
		}
		doneCh := e.doneCh
		e.mu.Unlock()
		<-doneCh
		e.mu.Lock()
	}
	e.status = StatusInitializing
	e.lastFrameAt = time.Time{}
	e.ticks = 0
	e.lastErr = nil
	e.terminateSent = false
	e.identityConfirmed = false
	e.history.Clear()
	e.mu.Unlock()

	e.tracker.Reset()
	e.stats.Reset()
}

// IsRunning reports whether the loop is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ClearHistory drops the face position history. Called when the capture
// device is switched so motion is never computed across devices. Switching
// itself records no violation.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history.Clear()
}

// Dismiss clears the active warning unconditionally.
func (e *Engine) Dismiss() { e.tracker.Dismiss() }

// RecordManual records an externally observed violation (identity mismatch
// from the setup flow), cooldown-gated like any other type. The violation
// is persisted through the recorder when one is configured.
func (e *Engine) RecordManual(vt ViolationType) (Violation, bool) {
	v, ok := e.tracker.RecordManual(vt, time.Now())
	if !ok {
		return Violation{}, false
	}
	monitoring.Logf("[%s] violation recorded: %s: %s",
		v.RecordedAt.Format(time.RFC3339), v.Type, v.Message)
	if e.recorder != nil {
		if err := e.recorder.RecordViolation(v); err != nil {
			monitoring.Logf("failed to persist violation %s: %v", v.Type, err)
		}
	}
	e.mu.Lock()
	terminate := e.tracker.Terminated() && !e.terminateSent
	if terminate {
		e.terminateSent = true
	}
	e.mu.Unlock()
	if terminate && e.onTerminate != nil {
		e.onTerminate()
	}
	return v, true
}

// Snapshot is the engine's externally visible per-tick state.
type Snapshot struct {
	Status            Status                `json:"status"`
	Counts            map[ViolationType]int `json:"counts"`
	Total             int                   `json:"total"`
	Warning           *Warning              `json:"warning,omitempty"`
	Terminated        bool                  `json:"terminated"`
	IdentityConfirmed bool                  `json:"identity_confirmed"`
	Running           bool                  `json:"running"`
	Ticks             int64                 `json:"ticks"`
	LastFrameAt       time.Time             `json:"last_frame_at,omitempty"`
	Error             string                `json:"error,omitempty"`
}

// Snapshot returns the current engine state for the status endpoint.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		Status:            e.status,
		Terminated:        e.terminateSent,
		IdentityConfirmed: e.identityConfirmed,
		Running:           e.running,
		Ticks:             e.ticks,
		LastFrameAt:       e.lastFrameAt,
	}
	if e.lastErr != nil {
		snap.Error = e.lastErr.Error()
	}
	e.mu.Unlock()

	snap.Counts = e.tracker.Counts()
	snap.Total = e.tracker.Total()
	snap.Warning = e.tracker.Warning()
	// Terminated is one-way within a session regardless of who observed it
	// first (loop tick or manual record).
	if e.tracker.Terminated() {
		snap.Terminated = true
	}
	return snap
}

// Stats exposes the session statistics accumulator for the report layer.
func (e *Engine) Stats() *SessionStats { return e.stats }
