// Package feed pulls the two upstream data feeds: enrollment records from the
// enrollment platform and raw responses from the survey platform.
//
// Both feeds exist as HTTP sources for production and file-backed sources for
// local runs against saved snapshots.
package feed

import (
	"context"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

// EnrollmentSource yields the current enrollment feed of a study.
type EnrollmentSource interface {
	FetchEnrollments(ctx context.Context, study models.Study) ([]models.EnrollmentRecord, error)
}

// ResponseSource yields survey responses submitted strictly after since.
// For independent studies tp selects the timepoint's survey; for stacked
// studies every timepoint shares one survey and tp picks any of them.
type ResponseSource interface {
	FetchResponses(ctx context.Context, study models.Study, tp models.Timepoint, since time.Time) ([]models.SurveyResponse, error)
}
