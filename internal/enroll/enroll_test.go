package enroll

import (
	"testing"
	"time"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
)

func testStudy() models.Study {
	return models.Study{
		ID:       "study1",
		Kind:     models.StudyKindIndependent,
		IsActive: true,
		Timepoints: []models.Timepoint{
			{ID: "tp1", SurveyID: "s1", FirstQuestionID: 1, LastQuestionID: 2, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
			{ID: "tp2", SurveyID: "s2", FirstQuestionID: 3, LastQuestionID: 4, OffsetToStart: 7 * 24 * time.Hour, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
		},
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedStudy(t *testing.T, st store.Store, study models.Study) {
	t.Helper()
	if err := st.SaveStudy(study); err != nil {
		t.Fatalf("SaveStudy() error: %v", err)
	}
}

func TestApplyFeedCreatesParticipantAndCompletions(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	seedStudy(t, st, study)
	now := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	rec := NewReconciler(st, WithNow(fixedClock(now)))

	feed := []models.EnrollmentRecord{
		{ID: "p1", Date: "2020-01-10T00:00:00-04:00"},
		{ID: "p2", Date: "1578628800"}, // 2020-01-10T04:00:00Z as epoch seconds
	}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("ApplyFeed() error: %v", err)
	}

	wantEnrolled := time.Date(2020, 1, 10, 4, 0, 0, 0, time.UTC)
	for _, extID := range []string{"p1", "p2"} {
		p, err := st.GetParticipant(study.ID, extID)
		if err != nil {
			t.Fatalf("GetParticipant(%s) error: %v", extID, err)
		}
		if !p.EnrolledAt.Equal(wantEnrolled) {
			t.Errorf("%s enrolledAt = %v, want %v", extID, p.EnrolledAt, wantEnrolled)
		}
		if want := wantEnrolled.Add(study.MaxSpan()); !p.ExpiresAt.Equal(want) {
			t.Errorf("%s expiresAt = %v, want %v", extID, p.ExpiresAt, want)
		}
		if p.ID == "" {
			t.Errorf("%s has empty row id", extID)
		}
	}

	completions, err := st.GetCompletions(study.ID)
	if err != nil {
		t.Fatalf("GetCompletions() error: %v", err)
	}
	if want := 2 * len(study.Timepoints); len(completions) != want {
		t.Fatalf("got %d completions, want %d", len(completions), want)
	}
	for _, c := range completions {
		if c.IsComplete {
			t.Errorf("fresh completion %s/%s is already complete", c.ExternalID, c.TimepointID)
		}
		if !c.LastNudgeSentAt.Equal(models.NudgeEpoch) {
			t.Errorf("fresh completion %s/%s lastNudgeSentAt = %v, want epoch", c.ExternalID, c.TimepointID, c.LastNudgeSentAt)
		}
	}

	got, err := st.GetStudy(study.ID)
	if err != nil {
		t.Fatalf("GetStudy() error: %v", err)
	}
	if !got.LastEnrollmentSyncAt.Equal(now) {
		t.Errorf("enrollment sync = %v, want %v", got.LastEnrollmentSyncAt, now)
	}
}

func TestApplyFeedUnchangedRecordIsNoOp(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	seedStudy(t, st, study)
	rec := NewReconciler(st)

	feed := []models.EnrollmentRecord{{ID: "p1", Date: "2020-01-10T04:00:00+00:00"}}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("first ApplyFeed() error: %v", err)
	}
	first, _ := st.GetParticipant(study.ID, "p1")

	// Same instant spelled with a different offset.
	feed[0].Date = "2020-01-10T00:00:00-04:00"
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("second ApplyFeed() error: %v", err)
	}
	second, _ := st.GetParticipant(study.ID, "p1")

	if first.ID != second.ID {
		t.Errorf("participant row replaced on unchanged enrollment: %s -> %s", first.ID, second.ID)
	}
}

func TestApplyFeedChangedEnrollmentRecreatesParticipant(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	seedStudy(t, st, study)
	rec := NewReconciler(st)

	feed := []models.EnrollmentRecord{{ID: "p1", Date: "2020-01-10T04:00:00+00:00"}}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("first ApplyFeed() error: %v", err)
	}
	first, _ := st.GetParticipant(study.ID, "p1")

	// Mark a completion so the reset is observable.
	if err := st.SetComplete(study.ID, "p1", "tp1", true); err != nil {
		t.Fatalf("SetComplete() error: %v", err)
	}

	feed[0].Date = "2020-01-11T04:00:00+00:00"
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("second ApplyFeed() error: %v", err)
	}
	second, _ := st.GetParticipant(study.ID, "p1")

	if first.ID == second.ID {
		t.Error("participant row not replaced on changed enrollment")
	}
	want := time.Date(2020, 1, 11, 4, 0, 0, 0, time.UTC)
	if !second.EnrolledAt.Equal(want) {
		t.Errorf("enrolledAt = %v, want %v", second.EnrolledAt, want)
	}

	c, err := st.GetCompletion(study.ID, "p1", "tp1")
	if err != nil {
		t.Fatalf("GetCompletion() error: %v", err)
	}
	if c.IsComplete {
		t.Error("completion survived participant recreation")
	}
}

func TestApplyFeedSkipsMalformedDate(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	seedStudy(t, st, study)
	rec := NewReconciler(st)

	feed := []models.EnrollmentRecord{
		{ID: "bad", Date: "2020-01-10T00:00:00"}, // no offset
		{ID: "good", Date: "2020-01-10T00:00:00Z"},
	}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("ApplyFeed() error: %v", err)
	}

	if _, err := st.GetParticipant(study.ID, "bad"); err == nil {
		t.Error("malformed record created a participant")
	}
	if _, err := st.GetParticipant(study.ID, "good"); err != nil {
		t.Errorf("well-formed record not applied: %v", err)
	}
}

func TestExpireParticipants(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	// MaxSpan is 9 days (7d offset + 1d open + 1d nudge).
	now := time.Date(2020, 1, 20, 0, 0, 0, 1, time.UTC)
	seedStudy(t, st, study)
	rec := NewReconciler(st, WithNow(fixedClock(now)))

	feed := []models.EnrollmentRecord{
		{ID: "expired", Date: "2020-01-11T00:00:00Z"}, // expires 2020-01-20T00:00:00Z
		{ID: "current", Date: "2020-01-15T00:00:00Z"}, // expires 2020-01-24T00:00:00Z
	}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("ApplyFeed() error: %v", err)
	}

	removed, err := rec.ExpireParticipants(study)
	if err != nil {
		t.Fatalf("ExpireParticipants() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := st.GetParticipant(study.ID, "expired"); err == nil {
		t.Error("expired participant still present")
	}
	if _, err := st.GetParticipant(study.ID, "current"); err != nil {
		t.Errorf("current participant removed: %v", err)
	}

	completions, err := st.GetCompletions(study.ID)
	if err != nil {
		t.Fatalf("GetCompletions() error: %v", err)
	}
	if want := len(study.Timepoints); len(completions) != want {
		t.Errorf("got %d completions after sweep, want %d", len(completions), want)
	}
}

func TestExpireParticipantsBoundaryIsInclusive(t *testing.T) {
	st := store.NewInMemoryStore()
	study := testStudy()
	// Exactly at the expiry instant the participant still stands.
	now := time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)
	seedStudy(t, st, study)
	rec := NewReconciler(st, WithNow(fixedClock(now)))

	feed := []models.EnrollmentRecord{{ID: "p1", Date: "2020-01-11T00:00:00Z"}}
	if err := rec.ApplyFeed(study, feed); err != nil {
		t.Fatalf("ApplyFeed() error: %v", err)
	}

	removed, err := rec.ExpireParticipants(study)
	if err != nil {
		t.Fatalf("ExpireParticipants() error: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 at the boundary instant", removed)
	}
}
