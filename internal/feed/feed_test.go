package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

func feedStudy() models.Study {
	return models.Study{
		ID:   "study1",
		Kind: models.StudyKindIndependent,
		Timepoints: []models.Timepoint{
			{ID: "tp1", SurveyID: "s1", FirstQuestionID: 1, LastQuestionID: 2},
		},
	}
}

func writeSnapshot(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func TestFileEnrollmentSource(t *testing.T) {
	dir := t.TempDir()
	study := feedStudy()
	writeSnapshot(t, filepath.Join(dir, "study1_enrollments.json"), []models.EnrollmentRecord{
		{ID: "p1", Date: "2020-01-10T00:00:00Z"},
		{ID: "p2", Date: "1578628800"},
	})

	src := NewFileEnrollmentSource(dir)
	records, err := src.FetchEnrollments(context.Background(), study)
	if err != nil {
		t.Fatalf("FetchEnrollments() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != "p1" || records[1].ID != "p2" {
		t.Errorf("records = %+v", records)
	}
}

func TestFileEnrollmentSourceMissingFileIsEmpty(t *testing.T) {
	src := NewFileEnrollmentSource(t.TempDir())
	records, err := src.FetchEnrollments(context.Background(), feedStudy())
	if err != nil {
		t.Fatalf("FetchEnrollments() error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records from missing snapshot, want 0", len(records))
	}
}

func TestFileResponseSourceFiltersBySubmission(t *testing.T) {
	dir := t.TempDir()
	study := feedStudy()
	writeSnapshot(t, filepath.Join(dir, "s1_responses.json"), []models.SurveyResponse{
		{SubmittedAt: "2020-01-10T00:00:00Z"},
		{SubmittedAt: "2020-01-12T08:00:00+02:00"}, // 06:00Z
		{SubmittedAt: "not a timestamp"},
	})

	src := NewFileResponseSource(dir)
	since := time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC)
	responses, err := src.FetchResponses(context.Background(), study, study.Timepoints[0], since)
	if err != nil {
		t.Fatalf("FetchResponses() error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].SubmittedAt != "2020-01-12T08:00:00+02:00" {
		t.Errorf("kept response = %+v", responses[0])
	}
}

func TestFilterSubmittedAfterCutoffIsStrict(t *testing.T) {
	cutoff := time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC)
	responses := []models.SurveyResponse{
		{SubmittedAt: "2020-01-11T00:00:00Z"}, // exactly at the cutoff
		{SubmittedAt: "2020-01-11T00:00:01Z"},
	}
	kept := FilterSubmittedAfter("study1", responses, cutoff)
	if len(kept) != 1 {
		t.Fatalf("got %d responses, want 1", len(kept))
	}
	if kept[0].SubmittedAt != "2020-01-11T00:00:01Z" {
		t.Errorf("kept response = %+v", kept[0])
	}
}

func TestHTTPEnrollmentSource(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]models.EnrollmentRecord{{ID: "p1", Date: "2020-01-10T00:00:00Z"}})
	}))
	defer srv.Close()

	src, err := NewHTTPEnrollmentSource(WithBaseURL(srv.URL), WithAPIKey("secret"))
	if err != nil {
		t.Fatalf("NewHTTPEnrollmentSource() error: %v", err)
	}
	records, err := src.FetchEnrollments(context.Background(), feedStudy())
	if err != nil {
		t.Fatalf("FetchEnrollments() error: %v", err)
	}
	if len(records) != 1 || records[0].ID != "p1" {
		t.Errorf("records = %+v", records)
	}
	if want := "/studies/study1/enrollments"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if want := "Bearer secret"; gotAuth != want {
		t.Errorf("authorization = %q, want %q", gotAuth, want)
	}
}

func TestHTTPResponseSourceAppliesCutoffLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upstream ignores submitted_after and returns everything.
		json.NewEncoder(w).Encode([]models.SurveyResponse{
			{SubmittedAt: "2020-01-10T00:00:00Z"},
			{SubmittedAt: "2020-01-12T00:00:00Z"},
		})
	}))
	defer srv.Close()

	src, err := NewHTTPResponseSource(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewHTTPResponseSource() error: %v", err)
	}
	study := feedStudy()
	since := time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC)
	responses, err := src.FetchResponses(context.Background(), study, study.Timepoints[0], since)
	if err != nil {
		t.Fatalf("FetchResponses() error: %v", err)
	}
	if len(responses) != 1 || responses[0].SubmittedAt != "2020-01-12T00:00:00Z" {
		t.Errorf("responses = %+v", responses)
	}
}

func TestHTTPSourceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := NewHTTPEnrollmentSource(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewHTTPEnrollmentSource() error: %v", err)
	}
	if _, err := src.FetchEnrollments(context.Background(), feedStudy()); err == nil {
		t.Fatal("FetchEnrollments() accepted a 500 response")
	}
}

func TestHTTPSourceRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPEnrollmentSource(); err == nil {
		t.Fatal("NewHTTPEnrollmentSource() accepted empty base URL")
	}
	if _, err := NewHTTPResponseSource(); err == nil {
		t.Fatal("NewHTTPResponseSource() accepted empty base URL")
	}
}
