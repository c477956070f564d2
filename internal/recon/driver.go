// Package recon drives one full reconciliation pass: pull the upstream
// feeds, fold them into stored state, sweep expired participants, and hand
// the due reminders to the dispatcher.
//
// A pass is idempotent: re-running it against unchanged feeds sends nothing,
// because completions stay complete and the recency gate holds back pairs
// nudged on the previous run.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/szb37/psynudge/internal/dispatch"
	"github.com/szb37/psynudge/internal/enroll"
	"github.com/szb37/psynudge/internal/feed"
	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/nudge"
	"github.com/szb37/psynudge/internal/store"
	"github.com/szb37/psynudge/internal/survey"
	"github.com/szb37/psynudge/internal/timeutil"
)

// Opts holds configuration options for a Driver.
type Opts struct {
	DryRun bool
	Now    func() time.Time
}

// Option defines a configuration option for a Driver.
type Option func(*Opts)

// WithDryRun collects and logs due reminders without dispatching or
// stamping them.
func WithDryRun(dry bool) Option {
	return func(o *Opts) { o.DryRun = dry }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Driver owns the collaborators of a reconciliation pass.
type Driver struct {
	store       store.Store
	enrollments feed.EnrollmentSource
	responses   feed.ResponseSource
	reconciler  *enroll.Reconciler
	applier     *survey.Applier
	engine      *nudge.Engine
	dispatcher  dispatch.Dispatcher
	dryRun      bool
	now         func() time.Time
}

// NewDriver wires a Driver from its collaborators.
func NewDriver(st store.Store, enrollments feed.EnrollmentSource, responses feed.ResponseSource, engine *nudge.Engine, dispatcher dispatch.Dispatcher, opts ...Option) *Driver {
	o := Opts{Now: timeutil.UTCNow}
	for _, opt := range opts {
		opt(&o)
	}
	return &Driver{
		store:       st,
		enrollments: enrollments,
		responses:   responses,
		reconciler:  enroll.NewReconciler(st, enroll.WithNow(o.Now)),
		applier:     survey.NewApplier(st),
		engine:      engine,
		dispatcher:  dispatcher,
		dryRun:      o.DryRun,
		now:         o.Now,
	}
}

// RunPass reconciles every active study once. Per-study failures abort the
// pass; per-record problems inside a study are handled by the collaborators.
func (d *Driver) RunPass(ctx context.Context) error {
	runID := uuid.NewString()
	started := d.now()
	slog.Info("recon: pass started", "run", runID, "dry_run", d.dryRun)

	studies, err := d.store.GetStudies()
	if err != nil {
		return fmt.Errorf("recon: list studies: %w", err)
	}

	for _, study := range studies {
		if !study.IsActive {
			slog.Debug("recon: skipping inactive study", "run", runID, "study", study.ID)
			continue
		}
		if err := d.runStudy(ctx, runID, study); err != nil {
			return err
		}
	}

	slog.Info("recon: pass finished", "run", runID, "elapsed", d.now().Sub(started))
	return nil
}

func (d *Driver) runStudy(ctx context.Context, runID string, study models.Study) error {
	records, err := d.enrollments.FetchEnrollments(ctx, study)
	if err != nil {
		return fmt.Errorf("recon: study %s: %w", study.ID, err)
	}
	if err := d.reconciler.ApplyFeed(study, records); err != nil {
		return fmt.Errorf("recon: study %s: %w", study.ID, err)
	}

	removed, err := d.reconciler.ExpireParticipants(study)
	if err != nil {
		return fmt.Errorf("recon: study %s: %w", study.ID, err)
	}
	if removed > 0 {
		slog.Info("recon: expired participants swept", "run", runID, "study", study.ID, "removed", removed)
	}

	if err := d.applyResponses(ctx, study); err != nil {
		return fmt.Errorf("recon: study %s: %w", study.ID, err)
	}

	return d.sendDue(ctx, runID, study)
}

// applyResponses pulls and folds in new survey responses. Independent
// studies track one sync stamp per timepoint survey; stacked studies share a
// single survey, so one fetch covers every timepoint and all stamps advance
// together.
func (d *Driver) applyResponses(ctx context.Context, study models.Study) error {
	if len(study.Timepoints) == 0 {
		return nil
	}
	fetchedAt := d.now()

	switch study.Kind {
	case models.StudyKindIndependent:
		for _, tp := range study.Timepoints {
			responses, err := d.responses.FetchResponses(ctx, study, tp, tp.LastResponseSyncAt)
			if err != nil {
				return err
			}
			if err := d.applier.ApplyIndependent(study, tp, responses); err != nil {
				return err
			}
			if err := d.store.SetResponseSync(study.ID, tp.ID, fetchedAt); err != nil {
				return fmt.Errorf("stamp response sync: %w", err)
			}
		}
	case models.StudyKindStacked:
		since := study.Timepoints[0].LastResponseSyncAt
		for _, tp := range study.Timepoints[1:] {
			if tp.LastResponseSyncAt.Before(since) {
				since = tp.LastResponseSyncAt
			}
		}
		responses, err := d.responses.FetchResponses(ctx, study, study.Timepoints[0], since)
		if err != nil {
			return err
		}
		if err := d.applier.ApplyStacked(study, responses); err != nil {
			return err
		}
		for _, tp := range study.Timepoints {
			if err := d.store.SetResponseSync(study.ID, tp.ID, fetchedAt); err != nil {
				return fmt.Errorf("stamp response sync: %w", err)
			}
		}
	}
	return nil
}

// PreviewDue collects the study's due reminder batches without dispatching
// or stamping anything.
func (d *Driver) PreviewDue(study models.Study) ([]models.NudgeBatch, error) {
	return d.engine.CollectDue(study)
}

func (d *Driver) sendDue(ctx context.Context, runID string, study models.Study) error {
	batches, err := d.engine.CollectDue(study)
	if err != nil {
		return fmt.Errorf("recon: study %s: %w", study.ID, err)
	}

	for _, batch := range batches {
		if d.dryRun {
			slog.Info("recon: dry run, batch withheld",
				"run", runID, "study", batch.StudyID, "timepoint", batch.TimepointID,
				"participants", batch.ParticipantIDs)
			continue
		}
		if err := d.dispatcher.Dispatch(ctx, batch); err != nil {
			return fmt.Errorf("recon: study %s: %w", study.ID, err)
		}
		if err := d.engine.MarkNudged(batch, d.now()); err != nil {
			return fmt.Errorf("recon: study %s: %w", study.ID, err)
		}
	}
	return nil
}
