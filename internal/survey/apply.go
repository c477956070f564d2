package survey

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
)

// Applier folds batches of platform responses into completion state.
type Applier struct {
	store store.Store
}

// NewApplier returns an Applier backed by st.
func NewApplier(st store.Store) *Applier {
	return &Applier{store: st}
}

// ApplyIndependent records responses for one timepoint of an independent
// study, where each timepoint has its own survey. Responses whose owner is
// unknown to the study are skipped; identifier conflicts and out-of-order
// answers abort the batch.
func (a *Applier) ApplyIndependent(study models.Study, tp models.Timepoint, responses []models.SurveyResponse) error {
	for _, resp := range responses {
		extID, skip, err := a.resolveOwner(study, resp)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if err := a.applyOne(study, tp, extID, resp); err != nil {
			return err
		}
	}
	return nil
}

// ApplyStacked records responses for a stacked study, where a single survey
// holds every timepoint's page run. Each response is assessed against every
// timepoint; page boundaries are distinct per study validation.
func (a *Applier) ApplyStacked(study models.Study, responses []models.SurveyResponse) error {
	for _, resp := range responses {
		extID, skip, err := a.resolveOwner(study, resp)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		for _, tp := range study.Timepoints {
			if err := a.applyOne(study, tp, extID, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveOwner extracts the owner and checks they are enrolled. skip=true
// means the response should be ignored without failing the batch.
func (a *Applier) resolveOwner(study models.Study, resp models.SurveyResponse) (extID string, skip bool, err error) {
	owner := ExtractOwner(resp)
	switch owner.State {
	case OwnerMissing:
		slog.Warn("survey: response carries no participant identifier, skipping", "study", study.ID)
		return "", true, nil
	case OwnerConflict:
		return "", false, fmt.Errorf("survey: study %s: %w", study.ID, owner.Err())
	}

	if _, err := a.store.GetParticipant(study.ID, owner.ID); err != nil {
		if errors.Is(err, models.ErrParticipantNotFound) {
			slog.Debug("survey: response from unknown participant, skipping", "study", study.ID, "participant", owner.ID)
			return "", true, nil
		}
		return "", false, fmt.Errorf("survey: look up participant: %w", err)
	}
	return owner.ID, false, nil
}

func (a *Applier) applyOne(study models.Study, tp models.Timepoint, extID string, resp models.SurveyResponse) error {
	complete, err := AssessCompletion(resp, tp)
	if err != nil {
		return fmt.Errorf("survey: study %s participant %s: %w", study.ID, extID, err)
	}
	if !complete {
		return nil
	}
	if err := a.store.SetComplete(study.ID, extID, tp.ID, true); err != nil {
		return fmt.Errorf("survey: mark complete: %w", err)
	}
	slog.Info("survey: timepoint completed", "study", study.ID, "participant", extID, "timepoint", tp.ID)
	return nil
}
