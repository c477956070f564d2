// Package nudge decides which participants are due a reminder.
//
// A reminder is due for a (participant, timepoint) pair when the timepoint's
// completion deadline has passed, the reminder eligibility window is still
// open, the pair is not complete, and the previous reminder is old enough.
// The decision is pure; recording a sent reminder is a separate step so a
// dry-run pass can collect without mutating anything.
package nudge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
	"github.com/szb37/psynudge/internal/timeutil"
)

// Engine evaluates reminder eligibility against stored completion state.
type Engine struct {
	store      store.Store
	minRenudge time.Duration
	now        func() time.Time
}

// Opts holds configuration options for an Engine.
type Opts struct {
	MinRenudgeInterval time.Duration
	Now                func() time.Time
}

// Option defines a configuration option for an Engine.
type Option func(*Opts)

// WithMinRenudgeInterval overrides the minimum time between two reminders
// for the same (participant, timepoint) pair.
func WithMinRenudgeInterval(d time.Duration) Option {
	return func(o *Opts) { o.MinRenudgeInterval = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewEngine returns an Engine backed by st.
func NewEngine(st store.Store, opts ...Option) *Engine {
	o := Opts{
		MinRenudgeInterval: models.DefaultMinRenudgeInterval,
		Now:                timeutil.UTCNow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{store: st, minRenudge: o.MinRenudgeInterval, now: o.Now}
}

// IsReminderDue reports whether one (participant, timepoint) pair should be
// reminded at instant now. All instants must be UTC.
func (e *Engine) IsReminderDue(p models.Participant, tp models.Timepoint, c models.Completion, now time.Time) (bool, error) {
	if c.IsComplete {
		return false, nil
	}

	within, err := timeutil.IsWithinWindow(now, tp.DeadlineAt(p.EnrolledAt), tp.NudgeEndAt(p.EnrolledAt))
	if err != nil {
		return false, fmt.Errorf("nudge: window check: %w", err)
	}
	if !within {
		return false, nil
	}

	// Recency gate: at least the minimum interval must have elapsed since
	// the previous reminder.
	return now.Sub(c.LastNudgeSentAt) >= e.minRenudge, nil
}

// CollectDue evaluates every (participant, timepoint) pair of the study and
// groups the due ones into one batch per timepoint. Timepoints with nobody
// due are omitted.
func (e *Engine) CollectDue(study models.Study) ([]models.NudgeBatch, error) {
	participants, err := e.store.GetParticipants(study.ID)
	if err != nil {
		return nil, fmt.Errorf("nudge: list participants: %w", err)
	}

	now := e.now()
	var batches []models.NudgeBatch
	for _, tp := range study.Timepoints {
		var due []string
		for _, p := range participants {
			c, err := e.store.GetCompletion(study.ID, p.ExternalID, tp.ID)
			if err != nil {
				return nil, fmt.Errorf("nudge: load completion: %w", err)
			}
			ok, err := e.IsReminderDue(p, tp, c, now)
			if err != nil {
				return nil, err
			}
			if ok {
				due = append(due, p.ExternalID)
			}
		}
		if len(due) == 0 {
			continue
		}
		batches = append(batches, models.NudgeBatch{
			StudyID:        study.ID,
			TimepointID:    tp.ID,
			ParticipantIDs: due,
		})
		slog.Info("nudge: batch collected", "study", study.ID, "timepoint", tp.ID, "participants", len(due))
	}
	return batches, nil
}

// MarkNudged stamps every pair of the batch with the dispatch instant so the
// recency gate holds them back on the next pass.
func (e *Engine) MarkNudged(batch models.NudgeBatch, at time.Time) error {
	for _, extID := range batch.ParticipantIDs {
		if err := e.store.SetNudgeSent(batch.StudyID, extID, batch.TimepointID, at); err != nil {
			return fmt.Errorf("nudge: stamp sent: %w", err)
		}
	}
	return nil
}
