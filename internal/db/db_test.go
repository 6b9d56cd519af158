package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/examsentry/proctor/internal/vision"
)

var _ vision.Recorder = (*SessionRecorder)(nil)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testSession() Session {
	return Session{
		ID:           uuid.NewString(),
		AssessmentID: "assessment-42",
		SubmissionID: "submission-7",
		Device:       0,
		StartedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	database := newTestDB(t)

	mfs, err := MigrationsFS()
	if err != nil {
		t.Fatalf("MigrationsFS: %v", err)
	}
	current, dirty, err := database.MigrateVersion(mfs)
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	latest, err := LatestMigrationVersion(mfs)
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if dirty {
		t.Error("fresh database must not be dirty")
	}
	if current != latest {
		t.Errorf("version = %d, want latest %d", current, latest)
	}
	if err := database.CheckMigrations(mfs); err != nil {
		t.Errorf("CheckMigrations on fresh database: %v", err)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	database := newTestDB(t)
	mfs, _ := MigrationsFS()

	if err := database.MigrateDown(mfs); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if err := database.CheckMigrations(mfs); err == nil {
		t.Error("expected CheckMigrations to flag an out-of-date schema")
	}
	if err := database.MigrateUp(mfs); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := database.CheckMigrations(mfs); err != nil {
		t.Errorf("CheckMigrations after re-up: %v", err)
	}
}

func TestSessionRoundtrip(t *testing.T) {
	database := newTestDB(t)
	want := testSession()

	if err := database.CreateSession(want); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := database.SessionByID(want.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.ID != want.ID || got.AssessmentID != want.AssessmentID || got.SubmissionID != want.SubmissionID {
		t.Errorf("session = %+v, want %+v", got, want)
	}
	if got.StartedAt.Unix() != want.StartedAt.Unix() {
		t.Errorf("started_at = %v, want %v", got.StartedAt, want.StartedAt)
	}
	if got.EndedAt != nil || got.IdentityVerifiedAt != nil || got.Terminated || got.TerminatedAt != nil {
		t.Errorf("fresh session has lifecycle fields set: %+v", got)
	}
}

func TestSessionLifecycleStamps(t *testing.T) {
	database := newTestDB(t)
	s := testSession()
	if err := database.CreateSession(s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	verified := s.StartedAt.Add(5 * time.Second)
	if err := database.MarkIdentityVerified(s.ID, verified); err != nil {
		t.Fatalf("MarkIdentityVerified: %v", err)
	}
	terminatedAt := s.StartedAt.Add(10 * time.Minute)
	if err := database.MarkTerminated(s.ID, terminatedAt); err != nil {
		t.Fatalf("MarkTerminated: %v", err)
	}
	if err := database.UpdateSessionDevice(s.ID, 1); err != nil {
		t.Fatalf("UpdateSessionDevice: %v", err)
	}
	ended := s.StartedAt.Add(11 * time.Minute)
	if err := database.EndSession(s.ID, ended); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := database.SessionByID(s.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.IdentityVerifiedAt == nil || got.IdentityVerifiedAt.Unix() != verified.Unix() {
		t.Errorf("identity_verified_at = %v, want %v", got.IdentityVerifiedAt, verified)
	}
	if !got.Terminated || got.TerminatedAt == nil {
		t.Errorf("expected terminated session, got %+v", got)
	}
	if got.Device != 1 {
		t.Errorf("device = %d, want 1", got.Device)
	}
	if got.EndedAt == nil || got.EndedAt.Unix() != ended.Unix() {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}
}

func TestSessionUpdatesRequireExistingRow(t *testing.T) {
	database := newTestDB(t)
	if err := database.EndSession("missing", time.Now()); err == nil {
		t.Error("expected EndSession on unknown session to fail")
	}
	if err := database.MarkTerminated("missing", time.Now()); err == nil {
		t.Error("expected MarkTerminated on unknown session to fail")
	}
}

func TestViolationsAppendOnly(t *testing.T) {
	database := newTestDB(t)
	s := testSession()
	if err := database.CreateSession(s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	base := s.StartedAt
	events := []vision.Violation{
		{Type: vision.ViolationNoFace, Message: vision.ViolationNoFace.Message(), RecordedAt: base.Add(time.Minute)},
		{Type: vision.ViolationMultipleFaces, Message: vision.ViolationMultipleFaces.Message(), RecordedAt: base.Add(2 * time.Minute)},
		{Type: vision.ViolationNoFace, Message: vision.ViolationNoFace.Message(), RecordedAt: base.Add(3 * time.Minute)},
	}
	rec := database.NewSessionRecorder(s.ID)
	for _, v := range events {
		if err := rec.RecordViolation(v); err != nil {
			t.Fatalf("RecordViolation: %v", err)
		}
	}

	rows, err := database.Violations(s.ID)
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d violations, want 3", len(rows))
	}
	for i, row := range rows {
		if row.Type != string(events[i].Type) {
			t.Errorf("row %d type = %s, want %s", i, row.Type, events[i].Type)
		}
		if row.SessionID != s.ID {
			t.Errorf("row %d session = %s, want %s", i, row.SessionID, s.ID)
		}
	}

	counts, err := database.ViolationCounts(s.ID)
	if err != nil {
		t.Fatalf("ViolationCounts: %v", err)
	}
	if counts[string(vision.ViolationNoFace)] != 2 {
		t.Errorf("no-face count = %d, want 2", counts[string(vision.ViolationNoFace)])
	}
	if counts[string(vision.ViolationMultipleFaces)] != 1 {
		t.Errorf("multiple-faces count = %d, want 1", counts[string(vision.ViolationMultipleFaces)])
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	database := newTestDB(t)

	first := testSession()
	second := testSession()
	second.StartedAt = first.StartedAt.Add(time.Hour)
	for _, s := range []Session{first, second} {
		if err := database.CreateSession(s); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	sessions, err := database.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != second.ID {
		t.Errorf("expected newest session first, got %s", sessions[0].ID)
	}

	if limited, _ := database.Sessions(1); len(limited) != 1 {
		t.Errorf("limit 1 returned %d sessions", len(limited))
	}
}
