// Package store: SQLite backend.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/szb37/psynudge/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists the psynudge data model in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the parent directory is
// created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveStudy inserts or updates a study and its timepoints.
func (s *SQLiteStore) SaveStudy(study models.Study) error {
	_, err := s.db.Exec(`
		INSERT INTO studies (id, name, kind, is_active, last_enrollment_sync_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, is_active=excluded.is_active`,
		study.ID, study.Name, string(study.Kind), study.IsActive, nilIfZeroTime(study.LastEnrollmentSyncAt))
	if err != nil {
		slog.Error("SQLiteStore SaveStudy failed", "error", err, "study", study.ID)
		return fmt.Errorf("failed to save study %s: %w", study.ID, err)
	}
	for _, tp := range study.Timepoints {
		_, err := s.db.Exec(`
			INSERT INTO timepoints
				(study_id, id, name, survey_id, first_question_id, last_question_id, start_page_id,
				 offset_to_start_ns, duration_open_ns, duration_nudge_ns, last_response_sync_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(study_id, id) DO UPDATE SET
				name=excluded.name, survey_id=excluded.survey_id,
				first_question_id=excluded.first_question_id, last_question_id=excluded.last_question_id,
				start_page_id=excluded.start_page_id, offset_to_start_ns=excluded.offset_to_start_ns,
				duration_open_ns=excluded.duration_open_ns, duration_nudge_ns=excluded.duration_nudge_ns`,
			study.ID, tp.ID, tp.Name, tp.SurveyID, tp.FirstQuestionID, tp.LastQuestionID, tp.StartPageID,
			int64(tp.OffsetToStart), int64(tp.DurationOpen), int64(tp.DurationNudge), nilIfZeroTime(tp.LastResponseSyncAt))
		if err != nil {
			slog.Error("SQLiteStore SaveStudy timepoint failed", "error", err, "study", study.ID, "timepoint", tp.ID)
			return fmt.Errorf("failed to save timepoint %s/%s: %w", study.ID, tp.ID, err)
		}
	}
	slog.Debug("SQLiteStore SaveStudy succeeded", "study", study.ID, "timepoints", len(study.Timepoints))
	return nil
}

// GetStudy returns the study with the given id, timepoints included.
func (s *SQLiteStore) GetStudy(id string) (models.Study, error) {
	row := s.db.QueryRow(`SELECT id, name, kind, is_active, last_enrollment_sync_at FROM studies WHERE id = ?`, id)
	study, err := scanStudy(row)
	if err == sql.ErrNoRows {
		return models.Study{}, models.ErrStudyNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetStudy failed", "error", err, "study", id)
		return models.Study{}, fmt.Errorf("failed to query study %s: %w", id, err)
	}
	tps, err := s.getTimepoints(id)
	if err != nil {
		return models.Study{}, err
	}
	study.Timepoints = tps
	return study, nil
}

// GetStudies returns all studies, timepoints included.
func (s *SQLiteStore) GetStudies() ([]models.Study, error) {
	rows, err := s.db.Query(`SELECT id, name, kind, is_active, last_enrollment_sync_at FROM studies`)
	if err != nil {
		slog.Error("SQLiteStore GetStudies query failed", "error", err)
		return nil, fmt.Errorf("failed to query studies: %w", err)
	}
	defer rows.Close()

	var studies []models.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			slog.Error("SQLiteStore GetStudies scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan study row: %w", err)
		}
		studies = append(studies, study)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate study rows: %w", err)
	}
	for i := range studies {
		tps, err := s.getTimepoints(studies[i].ID)
		if err != nil {
			return nil, err
		}
		studies[i].Timepoints = tps
	}
	slog.Debug("SQLiteStore GetStudies succeeded", "count", len(studies))
	return studies, nil
}

func (s *SQLiteStore) getTimepoints(studyID string) ([]models.Timepoint, error) {
	rows, err := s.db.Query(`
		SELECT id, name, survey_id, first_question_id, last_question_id, start_page_id,
		       offset_to_start_ns, duration_open_ns, duration_nudge_ns, last_response_sync_at
		FROM timepoints WHERE study_id = ? ORDER BY offset_to_start_ns`, studyID)
	if err != nil {
		slog.Error("SQLiteStore getTimepoints query failed", "error", err, "study", studyID)
		return nil, fmt.Errorf("failed to query timepoints for %s: %w", studyID, err)
	}
	defer rows.Close()

	var tps []models.Timepoint
	for rows.Next() {
		tp, err := scanTimepoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timepoint row: %w", err)
		}
		tps = append(tps, tp)
	}
	return tps, rows.Err()
}

// SetEnrollmentSync records the study's enrollment sync instant.
func (s *SQLiteStore) SetEnrollmentSync(studyID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE studies SET last_enrollment_sync_at = ? WHERE id = ?`, at, studyID)
	if err != nil {
		slog.Error("SQLiteStore SetEnrollmentSync failed", "error", err, "study", studyID)
		return fmt.Errorf("failed to update enrollment sync for %s: %w", studyID, err)
	}
	return requireRow(res, models.ErrStudyNotFound)
}

// SetResponseSync records a timepoint's response sync instant.
func (s *SQLiteStore) SetResponseSync(studyID, timepointID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE timepoints SET last_response_sync_at = ? WHERE study_id = ? AND id = ?`, at, studyID, timepointID)
	if err != nil {
		slog.Error("SQLiteStore SetResponseSync failed", "error", err, "study", studyID, "timepoint", timepointID)
		return fmt.Errorf("failed to update response sync for %s/%s: %w", studyID, timepointID, err)
	}
	return requireRow(res, models.ErrStudyNotFound)
}

// SaveParticipant inserts or replaces a participant record.
func (s *SQLiteStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO participants (id, study_id, external_id, enrolled_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.StudyID, p.ExternalID, p.EnrolledAt, p.ExpiresAt, p.IsActive)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "study", p.StudyID, "external_id", p.ExternalID)
		return fmt.Errorf("failed to save participant %s: %w", p.ExternalID, err)
	}
	slog.Debug("SQLiteStore SaveParticipant succeeded", "study", p.StudyID, "external_id", p.ExternalID)
	return nil
}

// GetParticipant returns one participant by external id.
func (s *SQLiteStore) GetParticipant(studyID, externalID string) (models.Participant, error) {
	row := s.db.QueryRow(`
		SELECT id, study_id, external_id, enrolled_at, expires_at, is_active
		FROM participants WHERE study_id = ? AND external_id = ?`, studyID, externalID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return models.Participant{}, models.ErrParticipantNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "study", studyID, "external_id", externalID)
		return models.Participant{}, fmt.Errorf("failed to query participant %s: %w", externalID, err)
	}
	return p, nil
}

// GetParticipants returns all participants of a study.
func (s *SQLiteStore) GetParticipants(studyID string) ([]models.Participant, error) {
	rows, err := s.db.Query(`
		SELECT id, study_id, external_id, enrolled_at, expires_at, is_active
		FROM participants WHERE study_id = ?`, studyID)
	if err != nil {
		slog.Error("SQLiteStore GetParticipants query failed", "error", err, "study", studyID)
		return nil, fmt.Errorf("failed to query participants for %s: %w", studyID, err)
	}
	defer rows.Close()

	var parts []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		parts = append(parts, p)
	}
	slog.Debug("SQLiteStore GetParticipants succeeded", "study", studyID, "count", len(parts))
	return parts, rows.Err()
}

// DeleteParticipant removes a participant and all its completions.
func (s *SQLiteStore) DeleteParticipant(studyID, externalID string) error {
	if _, err := s.db.Exec(`DELETE FROM completions WHERE study_id = ? AND external_id = ?`, studyID, externalID); err != nil {
		slog.Error("SQLiteStore DeleteParticipant completions failed", "error", err, "study", studyID, "external_id", externalID)
		return fmt.Errorf("failed to delete completions of %s: %w", externalID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM participants WHERE study_id = ? AND external_id = ?`, studyID, externalID); err != nil {
		slog.Error("SQLiteStore DeleteParticipant failed", "error", err, "study", studyID, "external_id", externalID)
		return fmt.Errorf("failed to delete participant %s: %w", externalID, err)
	}
	slog.Debug("SQLiteStore DeleteParticipant succeeded", "study", studyID, "external_id", externalID)
	return nil
}

// SaveCompletion inserts or replaces a completion record.
func (s *SQLiteStore) SaveCompletion(c models.Completion) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO completions (study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.StudyID, c.ExternalID, c.TimepointID, c.IsComplete, c.LastNudgeSentAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCompletion failed", "error", err, "study", c.StudyID, "external_id", c.ExternalID, "timepoint", c.TimepointID)
		return fmt.Errorf("failed to save completion %s/%s: %w", c.ExternalID, c.TimepointID, err)
	}
	return nil
}

// GetCompletion returns one (participant, timepoint) completion.
func (s *SQLiteStore) GetCompletion(studyID, externalID, timepointID string) (models.Completion, error) {
	row := s.db.QueryRow(`
		SELECT study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at
		FROM completions WHERE study_id = ? AND external_id = ? AND timepoint_id = ?`,
		studyID, externalID, timepointID)
	c, err := scanCompletion(row)
	if err == sql.ErrNoRows {
		return models.Completion{}, models.ErrCompletionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetCompletion failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return models.Completion{}, fmt.Errorf("failed to query completion %s/%s: %w", externalID, timepointID, err)
	}
	return c, nil
}

// GetCompletions returns all completions of a study.
func (s *SQLiteStore) GetCompletions(studyID string) ([]models.Completion, error) {
	rows, err := s.db.Query(`
		SELECT study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at
		FROM completions WHERE study_id = ?`, studyID)
	if err != nil {
		slog.Error("SQLiteStore GetCompletions query failed", "error", err, "study", studyID)
		return nil, fmt.Errorf("failed to query completions for %s: %w", studyID, err)
	}
	defer rows.Close()

	var comps []models.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion row: %w", err)
		}
		comps = append(comps, c)
	}
	return comps, rows.Err()
}

// SetComplete overwrites the completion flag of one completion.
func (s *SQLiteStore) SetComplete(studyID, externalID, timepointID string, complete bool) error {
	res, err := s.db.Exec(`
		UPDATE completions SET is_complete = ? WHERE study_id = ? AND external_id = ? AND timepoint_id = ?`,
		complete, studyID, externalID, timepointID)
	if err != nil {
		slog.Error("SQLiteStore SetComplete failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return fmt.Errorf("failed to update completion %s/%s: %w", externalID, timepointID, err)
	}
	return requireRow(res, models.ErrCompletionNotFound)
}

// SetNudgeSent records the instant a nudge was dispatched for one completion.
func (s *SQLiteStore) SetNudgeSent(studyID, externalID, timepointID string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE completions SET last_nudge_sent_at = ? WHERE study_id = ? AND external_id = ? AND timepoint_id = ?`,
		at, studyID, externalID, timepointID)
	if err != nil {
		slog.Error("SQLiteStore SetNudgeSent failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return fmt.Errorf("failed to update nudge stamp %s/%s: %w", externalID, timepointID, err)
	}
	return requireRow(res, models.ErrCompletionNotFound)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
