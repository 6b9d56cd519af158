package report

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/proctor/internal/db"
	"github.com/examsentry/proctor/internal/vision"
)

func newTestReporter(t *testing.T) (*Reporter, *db.DB, string) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	plotDir := filepath.Join(dir, "plots")
	return NewReporter(database, plotDir), database, plotDir
}

func seedSession(t *testing.T, database *db.DB) db.Session {
	t.Helper()
	sess := db.Session{
		ID:           uuid.NewString(),
		AssessmentID: "assessment-1",
		SubmissionID: "submission-1",
		StartedAt:    time.Now(),
	}
	require.NoError(t, database.CreateSession(sess))
	return sess
}

func TestSessionEndedWritesPlot(t *testing.T) {
	r, database, plotDir := newTestReporter(t)
	sess := seedSession(t, database)

	r.SessionEnded(sess, vision.StatsSummary{Ticks: 4}, []float64{0.9, 0.85, 0.1, 0.92})

	file := filepath.Join(plotDir, "confidence_"+sess.ID+".png")
	info, err := os.Stat(file)
	require.NoError(t, err, "expected confidence plot at %s", file)
	if info.Size() == 0 {
		t.Error("confidence plot is empty")
	}
}

func TestSessionEndedEmptySeriesSkipsPlot(t *testing.T) {
	r, database, plotDir := newTestReporter(t)
	sess := seedSession(t, database)

	r.SessionEnded(sess, vision.StatsSummary{}, nil)

	if _, err := os.Stat(plotDir); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(plotDir)
		if len(entries) != 0 {
			t.Errorf("expected no plot files, found %d", len(entries))
		}
	}
}

func TestViolationsChart(t *testing.T) {
	r, database, _ := newTestReporter(t)
	mux := http.NewServeMux()
	r.AttachRoutes(mux)

	// nothing recorded yet
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/violations", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("empty store status = %d, want 404", rec.Code)
	}

	sess := seedSession(t, database)
	for _, vt := range []vision.ViolationType{vision.ViolationNoFace, vision.ViolationNoFace, vision.ViolationMultipleFaces} {
		require.NoError(t, database.RecordViolation(sess.ID, vision.Violation{
			Type: vt, Message: vt.Message(), RecordedAt: time.Now(),
		}))
	}
	r.SessionEnded(sess, vision.StatsSummary{Ticks: 3}, nil)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/violations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("violations chart status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %s, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), sess.ID) {
		t.Error("expected session id in chart subtitle")
	}
}

func TestViolationsChartBySessionID(t *testing.T) {
	r, database, _ := newTestReporter(t)
	mux := http.NewServeMux()
	r.AttachRoutes(mux)

	sess := seedSession(t, database)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/violations?session_id="+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/violations?session_id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestConfidenceChart(t *testing.T) {
	r, database, _ := newTestReporter(t)
	mux := http.NewServeMux()
	r.AttachRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/confidence", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("empty store status = %d, want 404", rec.Code)
	}

	sess := seedSession(t, database)
	r.SessionEnded(sess, vision.StatsSummary{Ticks: 3}, []float64{0.8, 0.9, 0.7})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/confidence", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("confidence chart status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %s, want text/html", ct)
	}
}

func TestSummary(t *testing.T) {
	r, database, _ := newTestReporter(t)
	mux := http.NewServeMux()
	r.AttachRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/summary", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("empty store status = %d, want 404", rec.Code)
	}

	sess := seedSession(t, database)
	r.SessionEnded(sess, vision.StatsSummary{Ticks: 42, ConfidenceMean: 0.87}, []float64{0.87})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	var resp struct {
		Session db.Session          `json:"session"`
		Summary vision.StatsSummary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if resp.Session.ID != sess.ID {
		t.Errorf("summary session = %s, want %s", resp.Session.ID, sess.ID)
	}
	if resp.Summary.Ticks != 42 {
		t.Errorf("summary ticks = %d, want 42", resp.Summary.Ticks)
	}
}
