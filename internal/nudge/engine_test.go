package nudge

import (
	"testing"
	"time"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
)

var enrolledAt = time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)

// testTimepoint opens at enrollment+7d, deadline one day later, reminders
// allowed for one more day after that.
func testTimepoint() models.Timepoint {
	return models.Timepoint{
		ID:              "tp1",
		SurveyID:        "s1",
		FirstQuestionID: 1,
		LastQuestionID:  2,
		OffsetToStart:   7 * 24 * time.Hour,
		DurationOpen:    24 * time.Hour,
		DurationNudge:   24 * time.Hour,
	}
}

func testParticipant() models.Participant {
	return models.Participant{
		ID:         "row-1",
		StudyID:    "study1",
		ExternalID: "p1",
		EnrolledAt: enrolledAt,
		IsActive:   true,
	}
}

func freshCompletion() models.Completion {
	return models.Completion{
		StudyID:         "study1",
		ExternalID:      "p1",
		TimepointID:     "tp1",
		LastNudgeSentAt: models.NudgeEpoch,
	}
}

func TestIsReminderDueWindow(t *testing.T) {
	engine := NewEngine(store.NewInMemoryStore())
	p := testParticipant()
	tp := testTimepoint()
	c := freshCompletion()

	deadline := enrolledAt.Add(8 * 24 * time.Hour)  // 2020-01-18T00:00:00Z
	windowEnd := enrolledAt.Add(9 * 24 * time.Hour) // 2020-01-19T00:00:00Z

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before deadline", deadline.Add(-time.Second), false},
		{"at deadline", deadline, true},
		{"mid window", deadline.Add(12 * time.Hour), true},
		{"at window end", windowEnd, true},
		{"after window end", windowEnd.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.IsReminderDue(p, tp, c, tt.now)
			if err != nil {
				t.Fatalf("IsReminderDue() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsReminderDue(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsReminderDueCompleteNeverDue(t *testing.T) {
	engine := NewEngine(store.NewInMemoryStore())
	p := testParticipant()
	tp := testTimepoint()
	c := freshCompletion()
	c.IsComplete = true

	now := enrolledAt.Add(8*24*time.Hour + 12*time.Hour)
	got, err := engine.IsReminderDue(p, tp, c, now)
	if err != nil {
		t.Fatalf("IsReminderDue() error: %v", err)
	}
	if got {
		t.Error("IsReminderDue() = true for a complete pair")
	}
}

func TestIsReminderDueRecencyGate(t *testing.T) {
	engine := NewEngine(store.NewInMemoryStore())
	p := testParticipant()
	tp := testTimepoint()

	now := enrolledAt.Add(8*24*time.Hour + 23*time.Hour + 39*time.Minute)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"nudged 23h37m ago", 23*time.Hour + 37*time.Minute, false},
		{"nudged exactly 23h38m ago", 23*time.Hour + 38*time.Minute, true},
		{"nudged 23h39m ago", 23*time.Hour + 39*time.Minute, true},
		{"nudged just now", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := freshCompletion()
			c.LastNudgeSentAt = now.Add(-tt.elapsed)
			got, err := engine.IsReminderDue(p, tp, c, now)
			if err != nil {
				t.Fatalf("IsReminderDue() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsReminderDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsReminderDueRejectsNonUTCBounds(t *testing.T) {
	engine := NewEngine(store.NewInMemoryStore())
	p := testParticipant()
	tp := testTimepoint()
	c := freshCompletion()

	// A non-UTC enrollment instant yields non-UTC window boundaries, which
	// the window check refuses.
	loc := time.FixedZone("EST", -5*3600)
	p.EnrolledAt = enrolledAt.In(loc)
	now := enrolledAt.Add(8*24*time.Hour + time.Hour)
	if _, err := engine.IsReminderDue(p, tp, c, now); err == nil {
		t.Fatal("IsReminderDue() accepted non-UTC window boundaries")
	}
}

func seedEngineStore(t *testing.T, participants map[string]time.Time, complete map[string]bool) (store.Store, models.Study) {
	t.Helper()
	st := store.NewInMemoryStore()
	study := models.Study{
		ID:         "study1",
		Kind:       models.StudyKindIndependent,
		IsActive:   true,
		Timepoints: []models.Timepoint{testTimepoint()},
	}
	if err := st.SaveStudy(study); err != nil {
		t.Fatalf("SaveStudy() error: %v", err)
	}
	for extID, at := range participants {
		p := models.Participant{
			ID:         "row-" + extID,
			StudyID:    study.ID,
			ExternalID: extID,
			EnrolledAt: at,
			ExpiresAt:  at.Add(study.MaxSpan()),
			IsActive:   true,
		}
		if err := st.SaveParticipant(p); err != nil {
			t.Fatalf("SaveParticipant() error: %v", err)
		}
		c := models.Completion{
			StudyID:         study.ID,
			ExternalID:      extID,
			TimepointID:     "tp1",
			IsComplete:      complete[extID],
			LastNudgeSentAt: models.NudgeEpoch,
		}
		if err := st.SaveCompletion(c); err != nil {
			t.Fatalf("SaveCompletion() error: %v", err)
		}
	}
	return st, study
}

func TestCollectDueGroupsByTimepoint(t *testing.T) {
	now := enrolledAt.Add(8*24*time.Hour + time.Hour)
	st, study := seedEngineStore(t,
		map[string]time.Time{
			"due1":     enrolledAt,
			"due2":     enrolledAt,
			"done":     enrolledAt,
			"tooEarly": enrolledAt.Add(5 * 24 * time.Hour),
		},
		map[string]bool{"done": true},
	)
	engine := NewEngine(st, WithNow(func() time.Time { return now }))

	batches, err := engine.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	b := batches[0]
	if b.StudyID != study.ID || b.TimepointID != "tp1" {
		t.Errorf("batch keys = %s/%s, want study1/tp1", b.StudyID, b.TimepointID)
	}
	got := map[string]bool{}
	for _, id := range b.ParticipantIDs {
		got[id] = true
	}
	if len(got) != 2 || !got["due1"] || !got["due2"] {
		t.Errorf("batch participants = %v, want due1 and due2", b.ParticipantIDs)
	}
}

func TestCollectDueEmptyWhenNobodyDue(t *testing.T) {
	now := enrolledAt.Add(time.Hour) // long before any deadline
	st, study := seedEngineStore(t, map[string]time.Time{"p1": enrolledAt}, nil)
	engine := NewEngine(st, WithNow(func() time.Time { return now }))

	batches, err := engine.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

func TestMarkNudgedBlocksNextPass(t *testing.T) {
	now := enrolledAt.Add(8*24*time.Hour + time.Hour)
	st, study := seedEngineStore(t, map[string]time.Time{"p1": enrolledAt}, nil)
	engine := NewEngine(st, WithNow(func() time.Time { return now }))

	batches, err := engine.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if err := engine.MarkNudged(batches[0], now); err != nil {
		t.Fatalf("MarkNudged() error: %v", err)
	}

	// Immediately after sending, nobody is due.
	batches, err = engine.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches right after sending, want 0", len(batches))
	}

	c, err := st.GetCompletion(study.ID, "p1", "tp1")
	if err != nil {
		t.Fatalf("GetCompletion() error: %v", err)
	}
	if !c.LastNudgeSentAt.Equal(now) {
		t.Errorf("lastNudgeSentAt = %v, want %v", c.LastNudgeSentAt, now)
	}
}

func TestCollectDueHonorsCustomInterval(t *testing.T) {
	now := enrolledAt.Add(8*24*time.Hour + 2*time.Hour)
	st, study := seedEngineStore(t, map[string]time.Time{"p1": enrolledAt}, nil)
	if err := st.SetNudgeSent(study.ID, "p1", "tp1", now.Add(-90*time.Minute)); err != nil {
		t.Fatalf("SetNudgeSent() error: %v", err)
	}

	engine := NewEngine(st,
		WithNow(func() time.Time { return now }),
		WithMinRenudgeInterval(time.Hour),
	)
	batches, err := engine.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches with 1h interval, want 1", len(batches))
	}

	strict := NewEngine(st,
		WithNow(func() time.Time { return now }),
		WithMinRenudgeInterval(2*time.Hour),
	)
	batches, err = strict.CollectDue(study)
	if err != nil {
		t.Fatalf("CollectDue() error: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches with 2h interval, want 0", len(batches))
	}
}
