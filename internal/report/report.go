// Package report renders post-session artefacts: an interactive violations
// chart served over HTTP and a confidence timeline PNG written to disk when
// a session ends.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/examsentry/proctor/internal/db"
	"github.com/examsentry/proctor/internal/monitoring"
	"github.com/examsentry/proctor/internal/security"
	"github.com/examsentry/proctor/internal/vision"
)

// Reporter holds the most recent session summary and renders charts for it.
type Reporter struct {
	db        *db.DB
	outputDir string

	mu   sync.Mutex
	last *sessionReport
}

type sessionReport struct {
	Session    db.Session          `json:"session"`
	Summary    vision.StatsSummary `json:"summary"`
	Confidence []float64           `json:"-"`
	PlotFile   string              `json:"plot_file,omitempty"`
}

// NewReporter creates a reporter backed by the session store. outputDir is
// where confidence timeline PNGs land; empty disables PNG output.
func NewReporter(database *db.DB, outputDir string) *Reporter {
	return &Reporter{db: database, outputDir: outputDir}
}

// SessionEnded records the final statistics for a session and writes its
// confidence timeline plot. Wired as the API server's session end hook.
func (r *Reporter) SessionEnded(sess db.Session, summary vision.StatsSummary, confidence []float64) {
	rep := &sessionReport{Session: sess, Summary: summary, Confidence: confidence}

	if r.outputDir != "" && len(confidence) > 0 {
		file, err := r.writeConfidencePlot(sess.ID, confidence)
		if err != nil {
			monitoring.Logf("failed to write confidence plot for session %s: %v", sess.ID, err)
		} else {
			rep.PlotFile = file
			monitoring.Debugf("wrote confidence plot %s", file)
		}
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
}

// writeConfidencePlot renders the per-tick confidence series as a line plot.
func (r *Reporter) writeConfidencePlot(sessionID string, confidence []float64) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Face Confidence: %s", sessionID)
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "Confidence"
	p.Y.Min = 0
	p.Y.Max = 1

	pts := make(plotter.XYs, 0, len(confidence))
	for i, c := range confidence {
		pts = append(pts, plotter.XY{X: float64(i), Y: c})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return "", err
	}
	line.Color = color.RGBA{R: 0x26, G: 0x82, B: 0x8e, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("confidence", line)
	p.Legend.Top = true

	file := filepath.Join(r.outputDir, fmt.Sprintf("confidence_%s.png", security.SanitizeFilename(sessionID)))
	if err := p.Save(10*vg.Inch, 4*vg.Inch, file); err != nil {
		return "", fmt.Errorf("save confidence plot: %w", err)
	}
	return file, nil
}

// AttachRoutes registers the report endpoints on mux.
func (r *Reporter) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/report/violations", r.handleViolationsChart)
	mux.HandleFunc("/report/confidence", r.handleConfidenceChart)
	mux.HandleFunc("/report/summary", r.handleSummary)
}

// resolveSession picks the session to report on: the session_id query
// parameter, then the most recently ended session, then the newest row.
func (r *Reporter) resolveSession(req *http.Request) (db.Session, error) {
	if id := req.URL.Query().Get("session_id"); id != "" {
		return r.db.SessionByID(id)
	}

	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last != nil {
		return last.Session, nil
	}

	sessions, err := r.db.Sessions(1)
	if err != nil {
		return db.Session{}, err
	}
	if len(sessions) == 0 {
		return db.Session{}, fmt.Errorf("no sessions recorded")
	}
	return sessions[0], nil
}

// handleViolationsChart renders a bar chart of violation counts by type.
func (r *Reporter) handleViolationsChart(w http.ResponseWriter, req *http.Request) {
	sess, err := r.resolveSession(req)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no session to report on: %v", err))
		return
	}

	counts, err := r.db.ViolationCounts(sess.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get violation counts: %v", err))
		return
	}

	// Fixed order keeps the chart stable across reloads.
	types := []vision.ViolationType{
		vision.ViolationNoFace,
		vision.ViolationMultipleFaces,
		vision.ViolationFaceCovered,
		vision.ViolationNotCentered,
		vision.ViolationRapidMovement,
		vision.ViolationFrequentDisappearance,
		vision.ViolationIdentityMismatch,
	}
	x := make([]string, 0, len(types))
	y := make([]opts.BarData, 0, len(types))
	for _, vt := range types {
		x = append(x, string(vt))
		y = append(y, opts.BarData{Value: counts[string(vt)]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session Violations", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Violations by Type", Subtitle: fmt.Sprintf("session=%s started=%s", sess.ID, sess.StartedAt.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("violations", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleConfidenceChart renders the last session's confidence series as an
// interactive line chart.
func (r *Reporter) handleConfidenceChart(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last == nil || len(last.Confidence) == 0 {
		writeJSONError(w, http.StatusNotFound, "no confidence series recorded yet")
		return
	}

	x := make([]int, 0, len(last.Confidence))
	y := make([]opts.LineData, 0, len(last.Confidence))
	for i, c := range last.Confidence {
		x = append(x, i)
		y = append(y, opts.LineData{Value: c})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Face Confidence", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Face Confidence", Subtitle: fmt.Sprintf("session=%s samples=%d", last.Session.ID, len(y))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "Confidence"}),
	)
	line.SetXAxis(x).AddSeries("confidence", y)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSummary serves the last session's statistics as JSON.
func (r *Reporter) handleSummary(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last == nil {
		writeJSONError(w, http.StatusNotFound, "no session summary recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// writeJSON encodes data as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("report: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
