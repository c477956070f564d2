// Package enroll reconciles the enrollment platform feed with the stored
// participant roster.
//
// Feed entries are matched to participants by external id. New entries create
// the participant and one blank completion per timepoint; entries whose
// enrollment instant changed replace the participant wholesale; unchanged
// entries are no-ops. Participants past their last timepoint's window are
// swept away together with their completions.
package enroll

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
	"github.com/szb37/psynudge/internal/timeutil"
)

// Reconciler applies enrollment feeds to a store.
type Reconciler struct {
	store store.Store
	now   func() time.Time
}

// Opts holds configuration options for a Reconciler.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for a Reconciler.
type Option func(*Opts)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewReconciler returns a Reconciler backed by st.
func NewReconciler(st store.Store, opts ...Option) *Reconciler {
	o := Opts{Now: timeutil.UTCNow}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reconciler{store: st, now: o.Now}
}

// ApplyFeed folds one enrollment feed snapshot into the study's roster and
// stamps the study's enrollment sync instant. Records with malformed dates
// are logged and skipped; storage failures abort the pass.
func (r *Reconciler) ApplyFeed(study models.Study, records []models.EnrollmentRecord) error {
	for _, rec := range records {
		enrolledAt, err := timeutil.ParseEnrollmentInstant(rec.Date)
		if err != nil {
			slog.Warn("enroll: skipping record with malformed date",
				"study", study.ID, "participant", rec.ID, "date", rec.Date, "error", err)
			continue
		}
		if err := r.applyRecord(study, rec.ID, enrolledAt); err != nil {
			return err
		}
	}
	if err := r.store.SetEnrollmentSync(study.ID, r.now()); err != nil {
		return fmt.Errorf("enroll: stamp sync: %w", err)
	}
	return nil
}

func (r *Reconciler) applyRecord(study models.Study, externalID string, enrolledAt time.Time) error {
	existing, err := r.store.GetParticipant(study.ID, externalID)
	switch {
	case err == nil:
		if existing.EnrolledAt.Equal(enrolledAt) {
			return nil
		}
		// Enrollment instant moved: every derived window shifts with it, so
		// the participant and their completions start over.
		slog.Info("enroll: enrollment instant changed, recreating participant",
			"study", study.ID, "participant", externalID,
			"old", existing.EnrolledAt, "new", enrolledAt)
		if err := r.store.DeleteParticipant(study.ID, externalID); err != nil {
			return fmt.Errorf("enroll: delete stale participant: %w", err)
		}
	case errors.Is(err, models.ErrParticipantNotFound):
		// New enrollment.
	default:
		return fmt.Errorf("enroll: look up participant: %w", err)
	}
	return r.createParticipant(study, externalID, enrolledAt)
}

func (r *Reconciler) createParticipant(study models.Study, externalID string, enrolledAt time.Time) error {
	p := models.Participant{
		ID:         uuid.NewString(),
		StudyID:    study.ID,
		ExternalID: externalID,
		EnrolledAt: enrolledAt,
		ExpiresAt:  enrolledAt.Add(study.MaxSpan()),
		IsActive:   true,
	}
	if err := r.store.SaveParticipant(p); err != nil {
		return fmt.Errorf("enroll: save participant: %w", err)
	}
	for _, tp := range study.Timepoints {
		c := models.Completion{
			StudyID:         study.ID,
			ExternalID:      externalID,
			TimepointID:     tp.ID,
			LastNudgeSentAt: models.NudgeEpoch,
		}
		if err := r.store.SaveCompletion(c); err != nil {
			return fmt.Errorf("enroll: save completion: %w", err)
		}
	}
	slog.Info("enroll: participant enrolled",
		"study", study.ID, "participant", externalID,
		"enrolled_at", enrolledAt, "expires_at", p.ExpiresAt)
	return nil
}

// ExpireParticipants deletes every participant of the study whose last
// possible nudge window has closed, and their completions with them. Returns
// the number of participants removed.
func (r *Reconciler) ExpireParticipants(study models.Study) (int, error) {
	participants, err := r.store.GetParticipants(study.ID)
	if err != nil {
		return 0, fmt.Errorf("enroll: list participants: %w", err)
	}

	now := r.now()
	removed := 0
	for _, p := range participants {
		if !now.After(p.ExpiresAt) {
			continue
		}
		if err := r.store.DeleteParticipant(study.ID, p.ExternalID); err != nil {
			return removed, fmt.Errorf("enroll: delete expired participant: %w", err)
		}
		removed++
		slog.Info("enroll: participant expired",
			"study", study.ID, "participant", p.ExternalID, "expired_at", p.ExpiresAt)
	}
	return removed, nil
}
