package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

func newSQLiteTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	return st
}

func TestSQLiteStoreContract(t *testing.T) {
	st := newSQLiteTestStore(t, filepath.Join(t.TempDir(), "psynudge.db"))
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psynudge.db")
	study := storeTestStudy()
	enrolledAt := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)
	nudgedAt := time.Date(2020, 1, 18, 6, 0, 0, 0, time.UTC)

	st := newSQLiteTestStore(t, path)
	if err := st.SaveStudy(study); err != nil {
		t.Fatalf("SaveStudy() error: %v", err)
	}
	if err := st.SaveParticipant(storeTestParticipant("p1")); err != nil {
		t.Fatalf("SaveParticipant() error: %v", err)
	}
	c := models.Completion{
		StudyID:         "study1",
		ExternalID:      "p1",
		TimepointID:     "tp1",
		IsComplete:      true,
		LastNudgeSentAt: nudgedAt,
	}
	if err := st.SaveCompletion(c); err != nil {
		t.Fatalf("SaveCompletion() error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened := newSQLiteTestStore(t, path)
	defer reopened.Close()

	gotStudy, err := reopened.GetStudy("study1")
	if err != nil {
		t.Fatalf("GetStudy() after reopen error: %v", err)
	}
	if len(gotStudy.Timepoints) != 2 || gotStudy.Timepoints[0].DurationNudge != 24*time.Hour {
		t.Errorf("study after reopen = %+v", gotStudy)
	}

	gotP, err := reopened.GetParticipant("study1", "p1")
	if err != nil {
		t.Fatalf("GetParticipant() after reopen error: %v", err)
	}
	if !gotP.EnrolledAt.Equal(enrolledAt) {
		t.Errorf("enrolledAt after reopen = %v, want %v", gotP.EnrolledAt, enrolledAt)
	}

	gotC, err := reopened.GetCompletion("study1", "p1", "tp1")
	if err != nil {
		t.Fatalf("GetCompletion() after reopen error: %v", err)
	}
	if !gotC.IsComplete || !gotC.LastNudgeSentAt.Equal(nudgedAt) {
		t.Errorf("completion after reopen = %+v", gotC)
	}
}

func TestSQLiteStoreUpsertParticipant(t *testing.T) {
	st := newSQLiteTestStore(t, filepath.Join(t.TempDir(), "psynudge.db"))
	defer st.Close()

	if err := st.SaveStudy(storeTestStudy()); err != nil {
		t.Fatalf("SaveStudy() error: %v", err)
	}
	p := storeTestParticipant("p1")
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant() error: %v", err)
	}

	p.ID = "row-p1-new"
	p.EnrolledAt = p.EnrolledAt.Add(24 * time.Hour)
	p.ExpiresAt = p.ExpiresAt.Add(24 * time.Hour)
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("second SaveParticipant() error: %v", err)
	}

	got, err := st.GetParticipant("study1", "p1")
	if err != nil {
		t.Fatalf("GetParticipant() error: %v", err)
	}
	if got.ID != "row-p1-new" || !got.EnrolledAt.Equal(p.EnrolledAt) {
		t.Errorf("GetParticipant() after upsert = %+v", got)
	}
}

func TestSQLiteStoreNotFoundErrors(t *testing.T) {
	st := newSQLiteTestStore(t, filepath.Join(t.TempDir(), "psynudge.db"))
	defer st.Close()

	if _, err := st.GetStudy("ghost"); !errors.Is(err, models.ErrStudyNotFound) {
		t.Errorf("GetStudy(ghost) error = %v, want ErrStudyNotFound", err)
	}
	if _, err := st.GetParticipant("ghost", "p1"); !errors.Is(err, models.ErrParticipantNotFound) {
		t.Errorf("GetParticipant(ghost) error = %v, want ErrParticipantNotFound", err)
	}
	if _, err := st.GetCompletion("ghost", "p1", "tp1"); !errors.Is(err, models.ErrCompletionNotFound) {
		t.Errorf("GetCompletion(ghost) error = %v, want ErrCompletionNotFound", err)
	}
}
