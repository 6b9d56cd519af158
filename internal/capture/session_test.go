package capture

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func readyFrame() Image { return SolidFrame(4, 4, 10, 20, 30) }

func TestSession_GrabBeforeStart(t *testing.T) {
	s := NewMockSession(map[int]*MockGrabber{0: {}}, []int{0})
	if _, err := s.Grab(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Grab before Start = %v, want ErrNotStarted", err)
	}
}

func TestSession_StartWhileRunningRestarts(t *testing.T) {
	g0 := &MockGrabber{Frames: []Image{readyFrame()}}
	g1 := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g0, 1: g1}, []int{0, 1})

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(1); err != nil {
		t.Fatalf("restart on device 1: %v", err)
	}

	// the old stream is released before the new one is attached
	if !g0.Closed {
		t.Error("expected device 0 grabber closed on restart")
	}
	if g1.Closed {
		t.Error("device 1 grabber closed unexpectedly")
	}
	st := s.State()
	if !st.Running || st.Device != 1 {
		t.Errorf("state after restart = %+v, want running on device 1", st)
	}
}

func TestSession_StartUnknownDevice(t *testing.T) {
	s := NewMockSession(map[int]*MockGrabber{}, []int{0})
	if err := s.Start(0); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Start = %v, want ErrNoDevice", err)
	}
	st := s.State()
	if st.Running || st.Error == "" {
		t.Errorf("expected stopped session with recorded error, got %+v", st)
	}
}

func TestSession_GrabCountsFrames(t *testing.T) {
	g := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g}, []int{0})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		img, err := s.Grab()
		if err != nil {
			t.Fatalf("Grab %d: %v", i, err)
		}
		if !img.Ready() {
			t.Fatalf("Grab %d returned unready frame", i)
		}
	}
	if n := s.State().Frames; n != 3 {
		t.Errorf("frame count = %d, want 3", n)
	}
}

func TestSession_GrabNotReady(t *testing.T) {
	// empty script yields zero-dimension images, the attaching-stream case
	g := &MockGrabber{}
	s := NewMockSession(map[int]*MockGrabber{0: g}, []int{0})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Grab(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Grab = %v, want ErrNotReady", err)
	}
	if n := s.State().Frames; n != 0 {
		t.Errorf("unready grabs must not count as frames, got %d", n)
	}
}

func TestSession_StopClosesGrabber(t *testing.T) {
	g := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g}, []int{0})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !g.Closed {
		t.Error("expected grabber closed on Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if _, err := s.Grab(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Grab after Stop = %v, want ErrNotStarted", err)
	}
}

func TestSession_SwitchDeviceCycles(t *testing.T) {
	g0 := &MockGrabber{Frames: []Image{readyFrame()}}
	g1 := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g0, 1: g1}, []int{0, 1})

	var gotFrom, gotTo int
	s.SetOnSwitch(func(from, to int) { gotFrom, gotTo = from, to })

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	device, err := s.SwitchDevice()
	if err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}
	if device != 1 {
		t.Errorf("switched to device %d, want 1", device)
	}
	if !g0.Closed {
		t.Error("expected previous grabber closed on switch")
	}
	if gotFrom != 0 || gotTo != 1 {
		t.Errorf("onSwitch got (%d, %d), want (0, 1)", gotFrom, gotTo)
	}

	// cycling wraps back to the first device
	if device, err = s.SwitchDevice(); err != nil || device != 0 {
		t.Errorf("second switch = (%d, %v), want (0, nil)", device, err)
	}
}

func TestSession_SwitchDeviceSingleCandidate(t *testing.T) {
	g := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g}, []int{0})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.SwitchDevice(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("SwitchDevice = %v, want ErrNoDevice", err)
	}
}

func TestSession_SwitchDeviceOpenFailure(t *testing.T) {
	g0 := &MockGrabber{Frames: []Image{readyFrame()}}
	// device 1 is in the cycle order but cannot be opened
	s := NewMockSession(map[int]*MockGrabber{0: g0}, []int{0, 1})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.SwitchDevice(); err == nil {
		t.Fatal("expected switch to unopenable device to fail")
	}
	st := s.State()
	if st.Running {
		t.Error("expected session stopped after failed switch")
	}
	if st.Error == "" {
		t.Error("expected failed switch error recorded")
	}
}

// localHostRequest creates an httptest request that appears to come from
// localhost, which tsweb.AllowDebugAccess accepts.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestSession_AdminCameraState(t *testing.T) {
	g := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g}, []int{0})
	s.Start(0)

	httpMux := http.NewServeMux()
	s.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/camera-state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("camera-state status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"running":true`) {
		t.Errorf("unexpected camera-state body: %s", body)
	}
}

func TestSession_AdminCameraSwitch(t *testing.T) {
	g0 := &MockGrabber{Frames: []Image{readyFrame()}}
	g1 := &MockGrabber{Frames: []Image{readyFrame()}}
	s := NewMockSession(map[int]*MockGrabber{0: g0, 1: g1}, []int{0, 1})
	s.Start(0)

	httpMux := http.NewServeMux()
	s.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/camera-switch", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET camera-switch status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/camera-switch", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST camera-switch status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if s.State().Device != 1 {
		t.Errorf("device after switch = %d, want 1", s.State().Device)
	}
}
