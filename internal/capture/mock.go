package capture

import "sync"

// MockGrabber implements FrameGrabber for testing.
type MockGrabber struct {
	mu sync.Mutex

	// Frames are returned in order; the last frame repeats once the script
	// is exhausted. An empty script returns zero images (not ready).
	Frames []Image
	// GrabError, when set, is returned by every Grab call.
	GrabError error
	// CloseError is returned by Close.
	CloseError error

	Closed    bool
	GrabCalls int
	next      int
}

func (m *MockGrabber) Grab() (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GrabCalls++
	if m.GrabError != nil {
		return Image{}, m.GrabError
	}
	if len(m.Frames) == 0 {
		return Image{}, nil
	}
	i := m.next
	if i >= len(m.Frames) {
		i = len(m.Frames) - 1
	}
	m.next++
	return m.Frames[i], nil
}

func (m *MockGrabber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.CloseError
}

// SolidFrame builds a uniform BGR test frame with the given dimensions.
func SolidFrame(width, height int, b, g, r byte) Image {
	data := make([]byte, width*height*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = b, g, r
	}
	return Image{Data: data, Width: width, Height: height}
}

// NewMockSession creates a session over mock grabbers, one per device index.
// Unlisted indexes fail to open with ErrNoDevice.
func NewMockSession(grabbers map[int]*MockGrabber, devices []int) *Session[*MockGrabber] {
	open := func(device int) (*MockGrabber, error) {
		g, ok := grabbers[device]
		if !ok {
			return nil, ErrNoDevice
		}
		return g, nil
	}
	return NewSession(open, devices)
}
