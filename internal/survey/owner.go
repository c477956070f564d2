// Package survey evaluates raw survey platform responses against timepoint
// boundary questions.
//
// A response carries the participant's external id redundantly: as the
// "sguid" URL variable and as the answer to a hidden capture question. Either
// may be absent; when both are present they must agree.
package survey

import (
	"fmt"
	"strconv"

	"github.com/szb37/psynudge/internal/models"
)

// sguidURLVariable is the URL variable the survey platform records the
// participant id under.
const sguidURLVariable = "sguid"

// sguidQuestionLabel is the label of the hidden question capturing the
// participant id inside the survey itself.
const sguidQuestionLabel = "Capture SGUID"

// OwnerState classifies the outcome of owner extraction.
type OwnerState int

const (
	// OwnerFound means exactly one identifier was recovered, or two agreeing ones.
	OwnerFound OwnerState = iota
	// OwnerMissing means the response carries no identifier at all.
	OwnerMissing
	// OwnerConflict means the URL and hidden identifiers disagree.
	OwnerConflict
)

// Owner is the tagged result of extracting a response's participant identity.
type Owner struct {
	State    OwnerState
	ID       string // set iff State == OwnerFound
	URLID    string // raw URL identifier, if any
	HiddenID string // raw hidden-question identifier, if any
}

// ExtractOwner determines which participant submitted the response.
func ExtractOwner(resp models.SurveyResponse) Owner {
	var urlID, hiddenID string
	var urlSet, hiddenSet bool

	if v, ok := resp.URLVariables[sguidURLVariable]; ok && v.Value != "" {
		urlID = v.Value
		urlSet = true
	}
	for _, qa := range resp.SurveyData {
		if qa.Question == sguidQuestionLabel && qa.Shown && qa.Answer != nil {
			hiddenID = *qa.Answer
			hiddenSet = true
			break
		}
	}

	switch {
	case urlSet && hiddenSet:
		if urlID != hiddenID {
			return Owner{State: OwnerConflict, URLID: urlID, HiddenID: hiddenID}
		}
		return Owner{State: OwnerFound, ID: urlID, URLID: urlID, HiddenID: hiddenID}
	case urlSet:
		return Owner{State: OwnerFound, ID: urlID, URLID: urlID}
	case hiddenSet:
		return Owner{State: OwnerFound, ID: hiddenID, HiddenID: hiddenID}
	default:
		return Owner{State: OwnerMissing}
	}
}

// Err converts a non-Found owner into its taxonomy error, nil otherwise.
func (o Owner) Err() error {
	switch o.State {
	case OwnerMissing:
		return models.ErrMissingIdentifier
	case OwnerConflict:
		return fmt.Errorf("%w: url=%q hidden=%q", models.ErrIdentifierConflict, o.URLID, o.HiddenID)
	default:
		return nil
	}
}

// AssessCompletion reports whether the response completes the timepoint: both
// the first and the last boundary question must carry an answer. A last
// answer without a first one cannot happen in a well-formed survey (pages are
// answered in order) and is surfaced as ErrAnswerOutOfOrder.
func AssessCompletion(resp models.SurveyResponse, tp models.Timepoint) (bool, error) {
	started := questionAnswered(resp, tp.FirstQuestionID)
	finished := questionAnswered(resp, tp.LastQuestionID)

	if finished && !started {
		return false, fmt.Errorf("%w: survey %s first_qid=%d last_qid=%d",
			models.ErrAnswerOutOfOrder, tp.SurveyID, tp.FirstQuestionID, tp.LastQuestionID)
	}
	return started && finished, nil
}

func questionAnswered(resp models.SurveyResponse, questionID int) bool {
	qa, ok := resp.SurveyData[strconv.Itoa(questionID)]
	return ok && qa.Answer != nil
}
