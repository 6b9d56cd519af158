package capture

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/examsentry/proctor/internal/monitoring"
)

// Session owns one open FrameGrabber at a time and serializes the
// start/stop/switch lifecycle around it. The generic parameter lets tests
// drive the session with a mock grabber while production uses the webcam
// implementation.
type Session[T FrameGrabber] struct {
	open    func(device int) (T, error)
	devices []int

	onSwitch func(from, to int)

	mu      sync.Mutex
	running bool
	grabber T
	device  int
	frames  atomic.Int64
	lastErr error
}

// NewSession creates a session over the given candidate device list. open is
// called to attach a device; devices is the cycling order for SwitchDevice
// and must be non-empty before Start.
func NewSession[T FrameGrabber](open func(device int) (T, error), devices []int) *Session[T] {
	return &Session[T]{open: open, devices: devices}
}

// SetOnSwitch registers a hook invoked after every successful device switch.
// The detection engine uses it to drop position history so motion is never
// measured across devices.
func (s *Session[T]) SetOnSwitch(fn func(from, to int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwitch = fn
}

// Start attaches the given device. If a stream is already active it is
// stopped first, so two devices are never held open at once and a restart
// always lands on the requested device.
func (s *Session[T]) Start(device int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		if err := s.grabber.Close(); err != nil {
			monitoring.Logf("capture: close device %d before restart: %v", s.device, err)
		}
		s.running = false
	}
	g, err := s.open(device)
	if err != nil {
		s.lastErr = err
		return err
	}
	s.grabber = g
	s.device = device
	s.running = true
	s.lastErr = nil
	s.frames.Store(0)
	monitoring.Logf("capture session started on device %d", device)
	return nil
}

// Stop detaches the device. Safe to call at any time, any number of times.
func (s *Session[T]) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	err := s.grabber.Close()
	s.running = false
	monitoring.Logf("capture session stopped on device %d", s.device)
	return err
}

// Grab returns the most recent frame from the attached device.
func (s *Session[T]) Grab() (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Image{}, ErrNotStarted
	}
	img, err := s.grabber.Grab()
	if err != nil {
		s.lastErr = err
		return Image{}, err
	}
	if !img.Ready() {
		return Image{}, ErrNotReady
	}
	s.frames.Add(1)
	return img, nil
}

// SwitchDevice cycles to the next candidate device. The current device is
// closed first; if the next one fails to open the session is left stopped
// with the open error recorded.
func (s *Session[T]) SwitchDevice() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, ErrNotStarted
	}
	if len(s.devices) < 2 {
		return s.device, fmt.Errorf("%w: no alternate device to switch to", ErrNoDevice)
	}

	next := s.devices[0]
	for i, d := range s.devices {
		if d == s.device {
			next = s.devices[(i+1)%len(s.devices)]
			break
		}
	}

	from := s.device
	s.grabber.Close()
	s.running = false

	g, err := s.open(next)
	if err != nil {
		s.lastErr = err
		return from, fmt.Errorf("switch to device %d: %w", next, err)
	}
	s.grabber = g
	s.device = next
	s.running = true
	s.lastErr = nil
	monitoring.Logf("capture session switched: device %d -> %d", from, next)

	if s.onSwitch != nil {
		s.onSwitch(from, next)
	}
	return next, nil
}

// State is the externally visible session state.
type State struct {
	Running bool   `json:"running"`
	Device  int    `json:"device"`
	Devices []int  `json:"devices"`
	Frames  int64  `json:"frames"`
	Error   string `json:"error,omitempty"`
}

// State returns a snapshot of the session.
func (s *Session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Running: s.running,
		Device:  s.device,
		Devices: append([]int(nil), s.devices...),
		Frames:  s.frames.Load(),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// AttachAdminRoutes attaches capture debugging endpoints under /debug/.
// These are reachable only over localhost or Tailscale.
func (s *Session[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("camera-state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.State())
	})

	debug.HandleSilentFunc("camera-switch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		device, err := s.SwitchDevice()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		fmt.Fprintf(w, "switched to device %d", device)
	})
}
