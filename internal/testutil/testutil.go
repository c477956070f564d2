// Package testutil provides common test fixtures and helpers for psynudge tests.
package testutil

import (
	"strconv"
	"testing"
	"time"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/store"
)

// EnrolledAt is the reference enrollment instant the fixtures build on.
var EnrolledAt = time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)

// IndependentStudy returns a two-timepoint study where each timepoint has its
// own survey. tp1 opens a week after enrollment, tp2 two weeks after; each
// stays open a day with a one day reminder window.
func IndependentStudy() models.Study {
	return models.Study{
		ID:       "indep-study",
		Name:     "Independent fixture",
		Kind:     models.StudyKindIndependent,
		IsActive: true,
		Timepoints: []models.Timepoint{
			{ID: "tp1", Name: "tp1", SurveyID: "survey-1", FirstQuestionID: 10, LastQuestionID: 20,
				OffsetToStart: 7 * 24 * time.Hour, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
			{ID: "tp2", Name: "tp2", SurveyID: "survey-2", FirstQuestionID: 30, LastQuestionID: 40,
				OffsetToStart: 14 * 24 * time.Hour, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
		},
	}
}

// StackedStudy returns a two-timepoint study sharing one survey, with tp2 on
// its own page run.
func StackedStudy() models.Study {
	return models.Study{
		ID:       "stacked-study",
		Name:     "Stacked fixture",
		Kind:     models.StudyKindStacked,
		IsActive: true,
		Timepoints: []models.Timepoint{
			{ID: "tp1", Name: "tp1", SurveyID: "survey-s", FirstQuestionID: 10, LastQuestionID: 20, StartPageID: 1,
				OffsetToStart: 7 * 24 * time.Hour, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
			{ID: "tp2", Name: "tp2", SurveyID: "survey-s", FirstQuestionID: 30, LastQuestionID: 40, StartPageID: 2,
				OffsetToStart: 14 * 24 * time.Hour, DurationOpen: 24 * time.Hour, DurationNudge: 24 * time.Hour},
		},
	}
}

// SeedStudy saves the study and enrolls the given external ids at EnrolledAt,
// each with one blank completion per timepoint.
func SeedStudy(t *testing.T, st store.Store, study models.Study, externalIDs ...string) {
	t.Helper()
	if err := st.SaveStudy(study); err != nil {
		t.Fatalf("SaveStudy() error: %v", err)
	}
	for _, extID := range externalIDs {
		p := models.Participant{
			ID:         "row-" + extID,
			StudyID:    study.ID,
			ExternalID: extID,
			EnrolledAt: EnrolledAt,
			ExpiresAt:  EnrolledAt.Add(study.MaxSpan()),
			IsActive:   true,
		}
		if err := st.SaveParticipant(p); err != nil {
			t.Fatalf("SaveParticipant(%s) error: %v", extID, err)
		}
		for _, tp := range study.Timepoints {
			c := models.Completion{
				StudyID:         study.ID,
				ExternalID:      extID,
				TimepointID:     tp.ID,
				LastNudgeSentAt: models.NudgeEpoch,
			}
			if err := st.SaveCompletion(c); err != nil {
				t.Fatalf("SaveCompletion(%s/%s) error: %v", extID, tp.ID, err)
			}
		}
	}
}

// Response builds a survey response from the given participant id carried as
// the sguid URL variable, with the listed question ids answered.
func Response(extID string, submittedAt string, answered ...int) models.SurveyResponse {
	resp := models.SurveyResponse{
		URLVariables: map[string]models.URLVariable{},
		SurveyData:   map[string]models.QuestionAnswer{},
		SubmittedAt:  submittedAt,
	}
	if extID != "" {
		resp.URLVariables["sguid"] = models.URLVariable{Value: extID}
	}
	answer := "42"
	for _, qid := range answered {
		resp.SurveyData[strconv.Itoa(qid)] = models.QuestionAnswer{Question: "q", Shown: true, Answer: &answer}
	}
	return resp
}

// AssertCompletionState fails the test unless the (participant, timepoint)
// completion flag matches want.
func AssertCompletionState(t *testing.T, st store.Store, studyID, externalID, timepointID string, want bool) {
	t.Helper()
	c, err := st.GetCompletion(studyID, externalID, timepointID)
	if err != nil {
		t.Fatalf("GetCompletion(%s/%s) error: %v", externalID, timepointID, err)
	}
	if c.IsComplete != want {
		t.Errorf("completion %s/%s = %v, want %v", externalID, timepointID, c.IsComplete, want)
	}
}
