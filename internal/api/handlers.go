package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/examsentry/proctor/internal/db"
	"github.com/examsentry/proctor/internal/monitoring"
	"github.com/examsentry/proctor/internal/vision"
)

type startSessionRequest struct {
	AssessmentID string `json:"assessment_id"`
	SubmissionID string `json:"submission_id"`
	Device       *int   `json:"device,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.AssessmentID == "" || req.SubmissionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "assessment_id and submission_id are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.writeJSONError(w, http.StatusConflict, "a session is already active")
		return
	}

	device := s.defaultDevice
	if req.Device != nil {
		device = *req.Device
	}

	if err := s.camera.Start(device); err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Failed to start capture: %v", err))
		return
	}

	sess := db.Session{
		ID:           uuid.NewString(),
		AssessmentID: req.AssessmentID,
		SubmissionID: req.SubmissionID,
		Device:       device,
		StartedAt:    time.Now(),
	}
	if err := s.db.CreateSession(sess); err != nil {
		s.camera.Stop()
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to create session: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.session = &sess
	s.cancel = cancel
	go func() {
		if err := s.engine.Run(ctx); err != nil {
			monitoring.Logf("detection loop for session %s ended with error: %v", sess.ID, err)
		}
	}()

	monitoring.Logf("session %s started: assessment=%s submission=%s device=%d",
		sess.ID, sess.AssessmentID, sess.SubmissionID, device)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		s.writeJSONError(w, http.StatusConflict, "no active session")
		return
	}
	sess := *s.session

	s.cancel()
	// Collect session statistics before Stop resets them.
	if s.onSessionEnd != nil {
		stats := s.engine.Stats()
		s.onSessionEnd(sess, stats.Summary(), stats.ConfidenceSeries())
	}
	s.engine.Stop()
	if err := s.camera.Stop(); err != nil {
		monitoring.Logf("failed to stop capture for session %s: %v", sess.ID, err)
	}
	if err := s.db.EndSession(sess.ID, time.Now()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to end session: %v", err))
		return
	}

	s.session = nil
	s.cancel = nil
	monitoring.Logf("session %s stopped", sess.ID)
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped", "session_id": sess.ID})
}

type statusResponse struct {
	Session *db.Session     `json:"session,omitempty"`
	Engine  vision.Snapshot `json:"engine"`
	Camera  any             `json:"camera"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := statusResponse{
		Engine: s.engine.Snapshot(),
		Camera: s.camera.State(),
	}
	if sess, ok := s.ActiveSession(); ok {
		resp.Session = &sess
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sess, ok := s.ActiveSession()
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, "no active session; pass session_id")
			return
		}
		sessionID = sess.ID
	}

	rows, err := s.db.Violations(sessionID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve violations: %v", err))
		return
	}
	counts, err := s.db.ViolationCounts(sessionID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve violation counts: %v", err))
		return
	}
	if rows == nil {
		rows = []db.ViolationRow{}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"session_id": sessionID,
		"violations": rows,
		"counts":     counts,
	})
}

func (s *Server) switchCamera(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	device, err := s.camera.SwitchDevice()
	if err != nil {
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("Failed to switch camera: %v", err))
		return
	}
	// Motion must never be measured across devices.
	s.engine.ClearHistory()

	if sess, ok := s.ActiveSession(); ok {
		if err := s.db.UpdateSessionDevice(sess.ID, device); err != nil {
			monitoring.Logf("failed to persist device switch for session %s: %v", sess.ID, err)
		}
		s.mu.Lock()
		s.session.Device = device
		s.mu.Unlock()
	}
	json.NewEncoder(w).Encode(map[string]int{"device": device})
}

func (s *Server) reportIdentityMismatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if _, ok := s.ActiveSession(); !ok {
		s.writeJSONError(w, http.StatusConflict, "no active session")
		return
	}

	v, recorded := s.engine.RecordManual(vision.ViolationIdentityMismatch)
	json.NewEncoder(w).Encode(map[string]any{
		"recorded":  recorded,
		"violation": v,
	})
}

func (s *Server) dismissWarning(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.engine.Dismiss()
	json.NewEncoder(w).Encode(map[string]string{"status": "dismissed"})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cfg := map[string]any{
		"tick_interval":                 s.tuning.GetTickInterval().String(),
		"face_detection_threshold":      s.tuning.GetFaceDetectionThreshold(),
		"face_centered_tolerance":       s.tuning.GetFaceCenteredTolerance(),
		"rapid_movement_threshold":      s.tuning.GetRapidMovementThreshold(),
		"face_history_size":             s.tuning.GetFaceHistorySize(),
		"violation_cooldown":            s.tuning.GetViolationCooldown().String(),
		"absence_warning_after":         s.tuning.GetAbsenceWarningAfter().String(),
		"absence_violation_after":       s.tuning.GetAbsenceViolationAfter().String(),
		"disappearance_count_threshold": s.tuning.GetDisappearanceCountThreshold(),
		"disappearance_window":          s.tuning.GetDisappearanceWindow().String(),
		"aggregate_violation_threshold": s.tuning.GetAggregateViolationThreshold(),
		"model_path":                    s.tuning.GetModelPath(),
	}
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}

func (s *Server) servePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.preview == nil {
		s.writeJSONError(w, http.StatusNotFound, "preview disabled")
		return
	}
	jpeg, at, ok := s.preview.Preview()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no preview frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(jpeg)
}
