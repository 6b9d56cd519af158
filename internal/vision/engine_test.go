package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedSampler plays back a fixed sequence of sample results; the last
// step repeats once the script is exhausted.
type scriptedSampler struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (Frame, error)
	next  int
	calls int
}

func (s *scriptedSampler) Sample(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	i := s.next
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.next++
	s.calls++
	step := s.steps[i]
	s.mu.Unlock()
	return step(ctx)
}

func (s *scriptedSampler) sampleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func frameStep(f Frame) func(ctx context.Context) (Frame, error) {
	return func(ctx context.Context) (Frame, error) { return f, nil }
}

func errStep(err error) func(ctx context.Context) (Frame, error) {
	return func(ctx context.Context) (Frame, error) { return Frame{}, err }
}

type fakeRecorder struct {
	mu         sync.Mutex
	violations []Violation
	err        error
}

func (r *fakeRecorder) RecordViolation(v Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.violations = append(r.violations, v)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.violations)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	return opts
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestEngine_FirstTickImmediate(t *testing.T) {
	// an hour-long interval proves the first tick does not wait for it
	opts := DefaultOptions()
	opts.TickInterval = time.Hour

	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		frameStep(testFrame(centeredFace())),
	}}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: opts})
	go eng.Run(context.Background())
	defer eng.Stop()

	waitFor(t, "first tick", func() bool { return eng.Snapshot().Ticks >= 1 })

	snap := eng.Snapshot()
	if snap.Status != StatusFaceDetected {
		t.Errorf("status after first tick = %v, want %v", snap.Status, StatusFaceDetected)
	}
	if !snap.IdentityConfirmed {
		t.Error("expected identity confirmed after first clean detection")
	}
}

func TestEngine_NoFrameSkipsTick(t *testing.T) {
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		errStep(ErrNoFrame),
	}}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: fastOptions()})
	go eng.Run(context.Background())
	defer eng.Stop()

	waitFor(t, "several samples", func() bool { return sampler.sampleCalls() >= 3 })

	snap := eng.Snapshot()
	if snap.Status != StatusInitializing {
		t.Errorf("status = %v, want %v while no frame is available", snap.Status, StatusInitializing)
	}
	if snap.Ticks != 0 {
		t.Errorf("ticks = %d, want 0: skipped ticks must not count", snap.Ticks)
	}
}

func TestEngine_InferenceErrorKeepsStatus(t *testing.T) {
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		frameStep(testFrame(centeredFace())),
		errStep(fmt.Errorf("%w: detector forward pass", ErrInference)),
	}}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: fastOptions()})
	go eng.Run(context.Background())
	defer eng.Stop()

	waitFor(t, "first good tick", func() bool { return eng.Snapshot().Ticks >= 1 })
	waitFor(t, "failed inferences", func() bool { return sampler.sampleCalls() >= 4 })

	snap := eng.Snapshot()
	if snap.Status != StatusFaceDetected {
		t.Errorf("status = %v, want %v preserved across transient failures", snap.Status, StatusFaceDetected)
	}
	if snap.Ticks != 1 {
		t.Errorf("ticks = %d, want 1", snap.Ticks)
	}
	if snap.Error != "" {
		t.Errorf("transient failure must not surface an error, got %q", snap.Error)
	}
}

func TestEngine_TerminalErrorStopsLoop(t *testing.T) {
	terminal := errors.New("camera: permission revoked")
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		errStep(terminal),
	}}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: fastOptions()})

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, terminal) {
			t.Fatalf("Run returned %v, want the terminal capture error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on terminal error")
	}

	snap := eng.Snapshot()
	if snap.Status != StatusError {
		t.Errorf("status = %v, want %v", snap.Status, StatusError)
	}
	if snap.Error == "" {
		t.Error("expected the terminal error to be surfaced in the snapshot")
	}
	waitFor(t, "loop to unwind", func() bool { return !eng.IsRunning() })
}

func TestEngine_CancelDiscardsInFlightSample(t *testing.T) {
	// the sample completes only after cancellation; its result, which would
	// otherwise record a violation, must be thrown away
	entered := make(chan struct{}, 1)
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		func(ctx context.Context) (Frame, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return testFrame(centeredFace(), centeredFace()), nil
		},
	}}
	rec := &fakeRecorder{}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: fastOptions(), Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	<-entered
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v, want nil on cancellation", err)
	}

	if n := rec.count(); n != 0 {
		t.Errorf("recorder got %d violations from a discarded tick, want 0", n)
	}
	snap := eng.Snapshot()
	if snap.Status != StatusInitializing {
		t.Errorf("status = %v, want %v: discarded results must not apply", snap.Status, StatusInitializing)
	}
	if snap.Total != 0 {
		t.Errorf("total violations = %d, want 0", snap.Total)
	}
}

func TestEngine_IdentityVerifiedOnce(t *testing.T) {
	var fired int32
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		frameStep(testFrame(centeredFace())),
		frameStep(testFrame()), // face leaves
		frameStep(testFrame(centeredFace())),
	}}
	eng := NewEngine(EngineConfig{
		Sampler:            sampler,
		Options:            fastOptions(),
		OnIdentityVerified: func() { atomic.AddInt32(&fired, 1) },
	})
	go eng.Run(context.Background())
	defer eng.Stop()

	waitFor(t, "repeated detections", func() bool { return eng.Snapshot().Ticks >= 4 })
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("identity callback fired %d times, want exactly 1", n)
	}
}

func TestEngine_TerminateFiredOnce(t *testing.T) {
	opts := fastOptions()
	opts.AggregateViolationThreshold = 2

	covered := centeredFace()
	covered.Confidence = 0.2

	var fired int32
	rec := &fakeRecorder{}
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		frameStep(testFrame(centeredFace(), centeredFace())), // multiple faces
		frameStep(testFrame(covered)),                        // covered, reaches threshold
		frameStep(testFrame(centeredFace())),
	}}
	eng := NewEngine(EngineConfig{
		Sampler:     sampler,
		Options:     opts,
		Recorder:    rec,
		OnTerminate: func() { atomic.AddInt32(&fired, 1) },
	})
	go eng.Run(context.Background())
	defer eng.Stop()

	waitFor(t, "threshold reached", func() bool { return eng.Snapshot().Terminated })
	waitFor(t, "ticks past the threshold", func() bool { return eng.Snapshot().Ticks >= 5 })

	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("terminate callback fired %d times, want exactly 1", n)
	}
	if n := rec.count(); n != 2 {
		t.Errorf("recorder got %d violations, want 2", n)
	}
}

func TestEngine_RecordManual(t *testing.T) {
	rec := &fakeRecorder{}
	opts := DefaultOptions()
	opts.AggregateViolationThreshold = 100
	eng := NewEngine(EngineConfig{Sampler: &scriptedSampler{}, Options: opts, Recorder: rec})

	v, ok := eng.RecordManual(ViolationIdentityMismatch)
	if !ok || v.Type != ViolationIdentityMismatch {
		t.Fatalf("RecordManual = %+v, %v; want identity mismatch recorded", v, ok)
	}
	if rec.count() != 1 {
		t.Errorf("recorder got %d violations, want 1", rec.count())
	}

	// cooldown applies to manual records, and unknown types are rejected
	if _, ok := eng.RecordManual(ViolationIdentityMismatch); ok {
		t.Error("expected cooldown to suppress repeated manual record")
	}
	if _, ok := eng.RecordManual(ViolationType("bogus")); ok {
		t.Error("expected invalid type rejected")
	}
	if n := eng.Snapshot().Counts[ViolationIdentityMismatch]; n != 1 {
		t.Errorf("identity mismatch count = %d, want 1", n)
	}
}

func TestEngine_StopResetsState(t *testing.T) {
	sampler := &scriptedSampler{steps: []func(context.Context) (Frame, error){
		frameStep(testFrame(centeredFace(), centeredFace())),
	}}
	eng := NewEngine(EngineConfig{Sampler: sampler, Options: fastOptions()})

	// Stop before any Run is a no-op
	eng.Stop()

	go eng.Run(context.Background())
	waitFor(t, "violation recorded", func() bool { return eng.Snapshot().Total >= 1 })

	eng.Stop()
	eng.Stop() // idempotent

	waitFor(t, "loop to unwind", func() bool { return !eng.IsRunning() })
	snap := eng.Snapshot()
	if snap.Status != StatusInitializing {
		t.Errorf("status after stop = %v, want %v", snap.Status, StatusInitializing)
	}
	if snap.Ticks != 0 || snap.Total != 0 || snap.Warning != nil || snap.Terminated {
		t.Errorf("expected fully reset snapshot after stop, got %+v", snap)
	}
}
