// Package api serves the proctoring HTTP surface: session lifecycle,
// live status polling, violation listing, and camera control.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/examsentry/proctor/internal/capture"
	"github.com/examsentry/proctor/internal/config"
	"github.com/examsentry/proctor/internal/db"
	"github.com/examsentry/proctor/internal/monitoring"
	"github.com/examsentry/proctor/internal/vision"
)

// ANSI escape codes for request log coloring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Engine is the detection engine surface the server drives.
type Engine interface {
	Run(ctx context.Context) error
	Stop()
	Snapshot() vision.Snapshot
	RecordManual(vt vision.ViolationType) (vision.Violation, bool)
	Dismiss()
	ClearHistory()
	Stats() *vision.SessionStats
}

// Camera is the capture session surface the server drives.
type Camera interface {
	Start(device int) error
	Stop() error
	SwitchDevice() (int, error)
	State() capture.State
}

// Previewer supplies the latest annotated preview frame. Optional.
type Previewer interface {
	Preview() ([]byte, time.Time, bool)
}

// ServerConfig wires the server's dependencies.
type ServerConfig struct {
	Engine  Engine
	Camera  Camera
	DB      *db.DB
	Preview Previewer
	Tuning  *config.TuningConfig
	// DefaultDevice is the capture device used when a session start request
	// does not name one.
	DefaultDevice int
	// OnSessionEnd receives the session statistics when a session stops,
	// before the engine state is reset. Used to render the session report.
	OnSessionEnd func(sess db.Session, summary vision.StatsSummary, confidence []float64)
}

type Server struct {
	engine        Engine
	camera        Camera
	db            *db.DB
	preview       Previewer
	tuning        *config.TuningConfig
	defaultDevice int
	onSessionEnd  func(db.Session, vision.StatsSummary, []float64)

	mu      sync.Mutex
	session *db.Session
	cancel  context.CancelFunc
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		engine:        cfg.Engine,
		camera:        cfg.Camera,
		db:            cfg.DB,
		preview:       cfg.Preview,
		tuning:        cfg.Tuning,
		defaultDevice: cfg.DefaultDevice,
		onSessionEnd:  cfg.OnSessionEnd,
	}
}

// ActiveSession returns a copy of the active session, if any.
func (s *Server) ActiveSession() (db.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return db.Session{}, false
	}
	return *s.session, true
}

// RecordViolation persists a violation against the active session,
// implementing the engine's Recorder interface. Violations raised with no
// active session are dropped; they have no sitting to attach to.
func (s *Server) RecordViolation(v vision.Violation) error {
	sess, ok := s.ActiveSession()
	if !ok {
		return nil
	}
	return s.db.RecordViolation(sess.ID, v)
}

// IdentityVerified stamps the active session on the engine's first clean
// face detection.
func (s *Server) IdentityVerified() {
	sess, ok := s.ActiveSession()
	if !ok {
		return
	}
	if err := s.db.MarkIdentityVerified(sess.ID, time.Now()); err != nil {
		monitoring.Logf("failed to stamp identity verification: %v", err)
	}
}

// Terminated flags the active session when the engine signals the aggregate
// violation threshold.
func (s *Server) Terminated() {
	sess, ok := s.ActiveSession()
	if !ok {
		return
	}
	if err := s.db.MarkTerminated(sess.ID, time.Now()); err != nil {
		monitoring.Logf("failed to flag session termination: %v", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.startSession)
	mux.HandleFunc("/api/session/stop", s.stopSession)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/violations", s.listViolations)
	mux.HandleFunc("/api/camera/switch", s.switchCamera)
	mux.HandleFunc("/api/identity/mismatch", s.reportIdentityMismatch)
	mux.HandleFunc("/api/warning/dismiss", s.dismissWarning)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/preview", s.servePreview)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
