// Package models defines the core data structures for psynudge.
//
// It includes the study schedule model (studies and their timepoints), the
// per-participant enrollment and completion records, and the wire formats of
// the two upstream feeds (enrollment platform and survey platform).
package models

import (
	"errors"
	"time"
)

// StudyKind defines how a study's timepoints map onto external surveys.
type StudyKind string

const (
	// StudyKindIndependent means each timepoint has its own external survey.
	StudyKindIndependent StudyKind = "independent"
	// StudyKindStacked means all timepoints live as pages of one external survey.
	StudyKindStacked StudyKind = "stacked"
)

// DefaultMinRenudgeInterval is the minimum time between two nudges for the
// same completion. It sits just under 24h so a daily scheduler run with some
// jitter never skips a day.
const DefaultMinRenudgeInterval = 23*time.Hour + 38*time.Minute

// NudgeEpoch is the lastNudgeSentAt default for fresh completions. Far enough
// in the past that the recency check never blocks the first nudge.
var NudgeEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Error variables for better error handling and testability
var (
	// ErrMalformedTimestamp indicates a feed timestamp that is neither
	// offset-ISO nor epoch-seconds. Per-record: log and skip.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	// ErrNotUTC indicates a window boundary that was not normalized to UTC
	// before the containment check. Callers must normalize first.
	ErrNotUTC = errors.New("instant is not in UTC")
	// ErrMissingIdentifier indicates a survey response carrying neither a URL
	// nor a hidden-question participant identifier. Per-record: log and skip.
	ErrMissingIdentifier = errors.New("response carries no participant identifier")
	// ErrIdentifierConflict indicates the URL and hidden-question identifiers
	// of a response disagree. Fatal: there is no safe resolution.
	ErrIdentifierConflict = errors.New("url and hidden participant identifiers disagree")
	// ErrInconsistentSchedule indicates a study definition that violates its
	// kind's uniqueness rules. Fatal at setup, never at runtime.
	ErrInconsistentSchedule = errors.New("study schedule is inconsistent")
	// ErrAnswerOutOfOrder indicates a response whose last boundary question is
	// answered while the first is not. Fatal: signals an upstream survey defect.
	ErrAnswerOutOfOrder = errors.New("last question answered before first")
	// ErrStudyNotFound indicates a lookup for an unknown study id.
	ErrStudyNotFound = errors.New("study not found")
	// ErrParticipantNotFound indicates a lookup for an unknown participant.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrCompletionNotFound indicates a lookup for an unknown completion.
	ErrCompletionNotFound = errors.New("completion not found")
)

// Timepoint is one scheduled assessment within a study. Created once at study
// configuration time; immutable except for its response sync stamp.
type Timepoint struct {
	ID              string        `json:"id"`                // unique within the study, used in dispatch payloads
	Name            string        `json:"name"`              // display name, e.g. "tp1"
	SurveyID        string        `json:"survey_id"`         // external survey identifier
	FirstQuestionID int           `json:"first_question_id"` // first boundary question of the assessment
	LastQuestionID  int           `json:"last_question_id"`  // last boundary question of the assessment
	StartPageID     int           `json:"start_page_id"`     // survey page the timepoint begins on (stacked studies)
	OffsetToStart   time.Duration `json:"offset_to_start"`   // enrollment -> timepoint opens
	DurationOpen    time.Duration `json:"duration_open"`     // opens -> expected-completion deadline
	DurationNudge   time.Duration `json:"duration_nudge"`    // deadline -> end of reminder eligibility

	LastResponseSyncAt time.Time `json:"last_response_sync_at,omitempty"`
}

// StartAt returns the instant the timepoint opens for a participant.
func (tp Timepoint) StartAt(enrolledAt time.Time) time.Time {
	return enrolledAt.Add(tp.OffsetToStart)
}

// DeadlineAt returns the expected-completion deadline for a participant.
func (tp Timepoint) DeadlineAt(enrolledAt time.Time) time.Time {
	return enrolledAt.Add(tp.OffsetToStart + tp.DurationOpen)
}

// NudgeEndAt returns the end of the reminder eligibility window.
func (tp Timepoint) NudgeEndAt(enrolledAt time.Time) time.Time {
	return enrolledAt.Add(tp.OffsetToStart + tp.DurationOpen + tp.DurationNudge)
}

// Span is the total participation span of the timepoint relative to enrollment.
func (tp Timepoint) Span() time.Duration {
	return tp.OffsetToStart + tp.DurationOpen + tp.DurationNudge
}

// Study identifies one research study and owns its ordered timepoints.
type Study struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Kind       StudyKind   `json:"kind"`
	IsActive   bool        `json:"is_active"`
	Timepoints []Timepoint `json:"timepoints"`

	LastEnrollmentSyncAt time.Time `json:"last_enrollment_sync_at,omitempty"`
}

// IsValidStudyKind checks if the given study kind is supported.
func IsValidStudyKind(k StudyKind) bool {
	switch k {
	case StudyKindIndependent, StudyKindStacked:
		return true
	default:
		return false
	}
}

// Validate checks the schedule consistency rules for the study's kind.
// A failure is a configuration error and must abort study setup.
func (s Study) Validate() error {
	if !IsValidStudyKind(s.Kind) {
		return errors.New("invalid study kind: " + string(s.Kind))
	}
	if len(s.Timepoints) == 0 {
		return errors.New("study has no timepoints")
	}

	switch s.Kind {
	case StudyKindStacked:
		// One survey, logically partitioned into pages: survey ids all equal,
		// last question ids and start page ids pairwise distinct.
		surveyIDs := make(map[string]bool)
		lastQIDs := make(map[int]bool)
		startPages := make(map[int]bool)
		for _, tp := range s.Timepoints {
			surveyIDs[tp.SurveyID] = true
			lastQIDs[tp.LastQuestionID] = true
			startPages[tp.StartPageID] = true
		}
		if len(surveyIDs) != 1 {
			return ErrInconsistentSchedule
		}
		if len(lastQIDs) != len(s.Timepoints) || len(startPages) != len(s.Timepoints) {
			return ErrInconsistentSchedule
		}
	case StudyKindIndependent:
		// One survey per timepoint, each beginning at its first page.
		surveyIDs := make(map[string]bool)
		for _, tp := range s.Timepoints {
			surveyIDs[tp.SurveyID] = true
			if tp.StartPageID > 1 {
				return ErrInconsistentSchedule
			}
		}
		if len(surveyIDs) != len(s.Timepoints) {
			return ErrInconsistentSchedule
		}
	}
	return nil
}

// MaxSpan returns the largest participation span over all timepoints.
// enrolledAt + MaxSpan is the instant a participant's record stops mattering.
func (s Study) MaxSpan() time.Duration {
	var max time.Duration
	for _, tp := range s.Timepoints {
		if span := tp.Span(); span > max {
			max = span
		}
	}
	return max
}

// Timepoint returns the study's timepoint with the given id, or nil.
func (s Study) Timepoint(id string) *Timepoint {
	for i := range s.Timepoints {
		if s.Timepoints[i].ID == id {
			return &s.Timepoints[i]
		}
	}
	return nil
}

// Participant is one enrolled person in one study. Two records for the same
// external id never coexist within a study.
type Participant struct {
	ID         string    `json:"id"`          // internal row id
	StudyID    string    `json:"study_id"`    // owning study
	ExternalID string    `json:"external_id"` // enrollment platform id, unique within the study
	EnrolledAt time.Time `json:"enrolled_at"` // normalized to UTC
	ExpiresAt  time.Time `json:"expires_at"`  // enrolledAt + study.MaxSpan()
	IsActive   bool      `json:"is_active"`
}

// Completion tracks one (participant, timepoint) pair.
type Completion struct {
	StudyID         string    `json:"study_id"`
	ExternalID      string    `json:"external_id"` // participant's external id
	TimepointID     string    `json:"timepoint_id"`
	IsComplete      bool      `json:"is_complete"`
	LastNudgeSentAt time.Time `json:"last_nudge_sent_at"`
}

// EnrollmentRecord is one entry of the enrollment platform feed. Date is
// either an ISO-8601 string with explicit offset or Unix epoch seconds.
type EnrollmentRecord struct {
	ID   string `json:"id"`
	Date string `json:"date"`
}

// URLVariable is one URL-level variable of a survey response.
type URLVariable struct {
	Value string `json:"value"`
}

// QuestionAnswer is one question entry inside a survey response payload.
// The Answer pointer is nil iff no answer was given; the survey platform
// includes the key only for answered questions.
type QuestionAnswer struct {
	Question string  `json:"question"`
	Shown    bool    `json:"shown"`
	Answer   *string `json:"answer,omitempty"`
}

// SurveyResponse is one raw response record of the survey platform feed.
// SurveyData is keyed by question id rendered as a decimal string.
type SurveyResponse struct {
	URLVariables map[string]URLVariable    `json:"url_variables"`
	SurveyData   map[string]QuestionAnswer `json:"survey_data"`
	SubmittedAt  string                    `json:"date_submitted,omitempty"`
}

// NudgeBatch is the outbound reminder payload for one timepoint of one study,
// handed to the dispatch collaborator.
type NudgeBatch struct {
	StudyID        string   `json:"study_id"`
	TimepointID    string   `json:"timepoint_id"`
	ParticipantIDs []string `json:"participant_ids"`
}
