package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/timeutil"
)

// FileEnrollmentSource reads enrollment snapshots from <dir>/<studyID>_enrollments.json.
type FileEnrollmentSource struct {
	dir string
}

// NewFileEnrollmentSource returns a source reading snapshots under dir.
func NewFileEnrollmentSource(dir string) *FileEnrollmentSource {
	return &FileEnrollmentSource{dir: dir}
}

// FetchEnrollments loads the study's enrollment snapshot. A missing file is
// an empty feed, not an error.
func (s *FileEnrollmentSource) FetchEnrollments(_ context.Context, study models.Study) ([]models.EnrollmentRecord, error) {
	path := filepath.Join(s.dir, study.ID+"_enrollments.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("feed: no enrollment snapshot", "study", study.ID, "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed: read enrollment snapshot: %w", err)
	}
	var records []models.EnrollmentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("feed: decode enrollment snapshot %s: %w", path, err)
	}
	return records, nil
}

// FileResponseSource reads response snapshots from <dir>/<surveyID>_responses.json.
type FileResponseSource struct {
	dir string
}

// NewFileResponseSource returns a source reading snapshots under dir.
func NewFileResponseSource(dir string) *FileResponseSource {
	return &FileResponseSource{dir: dir}
}

// FetchResponses loads the timepoint's survey snapshot and keeps responses
// submitted strictly after since. A missing file is an empty feed.
func (s *FileResponseSource) FetchResponses(_ context.Context, study models.Study, tp models.Timepoint, since time.Time) ([]models.SurveyResponse, error) {
	path := filepath.Join(s.dir, tp.SurveyID+"_responses.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("feed: no response snapshot", "study", study.ID, "survey", tp.SurveyID, "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed: read response snapshot: %w", err)
	}
	var responses []models.SurveyResponse
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("feed: decode response snapshot %s: %w", path, err)
	}
	return FilterSubmittedAfter(study.ID, responses, since), nil
}

// FilterSubmittedAfter keeps responses submitted strictly after since.
// Responses with malformed submission instants are logged and dropped.
func FilterSubmittedAfter(studyID string, responses []models.SurveyResponse, since time.Time) []models.SurveyResponse {
	var kept []models.SurveyResponse
	for _, resp := range responses {
		submitted, err := timeutil.ParseToUTC(resp.SubmittedAt)
		if err != nil {
			slog.Warn("feed: dropping response with malformed submission instant",
				"study", studyID, "submitted_at", resp.SubmittedAt, "error", err)
			continue
		}
		if submitted.After(since) {
			kept = append(kept, resp)
		}
	}
	return kept
}
