// Package models: study definition loading.
//
// Studies are configured in a JSON file read once at startup. An inconsistent
// schedule aborts setup; it is never retried.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// timepointDef is the on-disk form of a Timepoint. Durations are Go duration
// strings ("24h", "168h") so schedule files stay readable.
type timepointDef struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SurveyID        string `json:"survey_id"`
	FirstQuestionID int    `json:"first_question_id"`
	LastQuestionID  int    `json:"last_question_id"`
	StartPageID     int    `json:"start_page_id"`
	OffsetToStart   string `json:"offset_to_start"`
	DurationOpen    string `json:"duration_open"`
	DurationNudge   string `json:"duration_nudge"`
}

// studyDef is the on-disk form of a Study.
type studyDef struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       StudyKind      `json:"kind"`
	IsActive   bool           `json:"is_active"`
	Timepoints []timepointDef `json:"timepoints"`
}

// LoadStudies reads and validates study definitions from the given JSON file.
// Any schedule inconsistency is fatal and reported via ErrInconsistentSchedule.
func LoadStudies(path string) ([]Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("LoadStudies: failed to read study definitions", "error", err, "path", path)
		return nil, fmt.Errorf("failed to read study definitions %s: %w", path, err)
	}

	var defs []studyDef
	if err := json.Unmarshal(data, &defs); err != nil {
		slog.Error("LoadStudies: failed to parse study definitions", "error", err, "path", path)
		return nil, fmt.Errorf("failed to parse study definitions %s: %w", path, err)
	}

	studies := make([]Study, 0, len(defs))
	for _, def := range defs {
		study, err := def.toStudy()
		if err != nil {
			slog.Error("LoadStudies: invalid study definition", "error", err, "study", def.ID)
			return nil, fmt.Errorf("study %s: %w", def.ID, err)
		}
		if err := study.Validate(); err != nil {
			slog.Error("LoadStudies: inconsistent study schedule", "error", err, "study", def.ID)
			return nil, fmt.Errorf("study %s: %w", def.ID, err)
		}
		studies = append(studies, study)
	}
	slog.Info("LoadStudies: study definitions loaded", "path", path, "count", len(studies))
	return studies, nil
}

func (d studyDef) toStudy() (Study, error) {
	s := Study{
		ID:       d.ID,
		Name:     d.Name,
		Kind:     d.Kind,
		IsActive: d.IsActive,
	}
	for _, td := range d.Timepoints {
		tp, err := td.toTimepoint()
		if err != nil {
			return Study{}, fmt.Errorf("timepoint %s: %w", td.ID, err)
		}
		s.Timepoints = append(s.Timepoints, tp)
	}
	return s, nil
}

func (d timepointDef) toTimepoint() (Timepoint, error) {
	offset, err := parseDurationField("offset_to_start", d.OffsetToStart)
	if err != nil {
		return Timepoint{}, err
	}
	open, err := parseDurationField("duration_open", d.DurationOpen)
	if err != nil {
		return Timepoint{}, err
	}
	nudge, err := parseDurationField("duration_nudge", d.DurationNudge)
	if err != nil {
		return Timepoint{}, err
	}
	startPage := d.StartPageID
	if startPage == 0 {
		startPage = 1
	}
	return Timepoint{
		ID:              d.ID,
		Name:            d.Name,
		SurveyID:        d.SurveyID,
		FirstQuestionID: d.FirstQuestionID,
		LastQuestionID:  d.LastQuestionID,
		StartPageID:     startPage,
		OffsetToStart:   offset,
		DurationOpen:    open,
		DurationNudge:   nudge,
	}, nil
}

func parseDurationField(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("missing required duration field %s", name)
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q for %s: %w", value, name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative duration %q for %s", value, name)
	}
	return dur, nil
}
