// Package store: PostgreSQL backend.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/szb37/psynudge/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists the psynudge data model in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// SaveStudy inserts or updates a study and its timepoints.
func (s *PostgresStore) SaveStudy(study models.Study) error {
	_, err := s.db.Exec(`
		INSERT INTO studies (id, name, kind, is_active, last_enrollment_sync_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, kind=EXCLUDED.kind, is_active=EXCLUDED.is_active`,
		study.ID, study.Name, string(study.Kind), study.IsActive, nilIfZeroTime(study.LastEnrollmentSyncAt))
	if err != nil {
		slog.Error("PostgresStore SaveStudy failed", "error", err, "study", study.ID)
		return fmt.Errorf("failed to save study %s: %w", study.ID, err)
	}
	for _, tp := range study.Timepoints {
		_, err := s.db.Exec(`
			INSERT INTO timepoints
				(study_id, id, name, survey_id, first_question_id, last_question_id, start_page_id,
				 offset_to_start_ns, duration_open_ns, duration_nudge_ns, last_response_sync_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (study_id, id) DO UPDATE SET
				name=EXCLUDED.name, survey_id=EXCLUDED.survey_id,
				first_question_id=EXCLUDED.first_question_id, last_question_id=EXCLUDED.last_question_id,
				start_page_id=EXCLUDED.start_page_id, offset_to_start_ns=EXCLUDED.offset_to_start_ns,
				duration_open_ns=EXCLUDED.duration_open_ns, duration_nudge_ns=EXCLUDED.duration_nudge_ns`,
			study.ID, tp.ID, tp.Name, tp.SurveyID, tp.FirstQuestionID, tp.LastQuestionID, tp.StartPageID,
			int64(tp.OffsetToStart), int64(tp.DurationOpen), int64(tp.DurationNudge), nilIfZeroTime(tp.LastResponseSyncAt))
		if err != nil {
			slog.Error("PostgresStore SaveStudy timepoint failed", "error", err, "study", study.ID, "timepoint", tp.ID)
			return fmt.Errorf("failed to save timepoint %s/%s: %w", study.ID, tp.ID, err)
		}
	}
	slog.Debug("PostgresStore SaveStudy succeeded", "study", study.ID, "timepoints", len(study.Timepoints))
	return nil
}

// GetStudy returns the study with the given id, timepoints included.
func (s *PostgresStore) GetStudy(id string) (models.Study, error) {
	row := s.db.QueryRow(`SELECT id, name, kind, is_active, last_enrollment_sync_at FROM studies WHERE id = $1`, id)
	study, err := scanStudy(row)
	if err == sql.ErrNoRows {
		return models.Study{}, models.ErrStudyNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetStudy failed", "error", err, "study", id)
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
func (s *PostgresStore) GetStudies() ([]models.Study, error) {
	rows, err := s.db.Query(`SELECT id, name, kind, is_active, last_enrollment_sync_at FROM studies`)
	if err != nil {
		slog.Error("PostgresStore GetStudies query failed", "error", err)
		return nil, fmt.Errorf("failed to query studies: %w", err)
	}
	defer rows.Close()

	var studies []models.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			slog.Error("PostgresStore GetStudies scan failed", "error", err)
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
	slog.Debug("PostgresStore GetStudies succeeded", "count", len(studies))
	return studies, nil
}

func (s *PostgresStore) getTimepoints(studyID string) ([]models.Timepoint, error) {
	rows, err := s.db.Query(`
		SELECT id, name, survey_id, first_question_id, last_question_id, start_page_id,
		       offset_to_start_ns, duration_open_ns, duration_nudge_ns, last_response_sync_at
		FROM timepoints WHERE study_id = $1 ORDER BY offset_to_start_ns`, studyID)
	if err != nil {
		slog.Error("PostgresStore getTimepoints query failed", "error", err, "study", studyID)
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
func (s *PostgresStore) SetEnrollmentSync(studyID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE studies SET last_enrollment_sync_at = $1 WHERE id = $2`, at, studyID)
	if err != nil {
		slog.Error("PostgresStore SetEnrollmentSync failed", "error", err, "study", studyID)
		return fmt.Errorf("failed to update enrollment sync for %s: %w", studyID, err)
	}
	return requireRow(res, models.ErrStudyNotFound)
}

// SetResponseSync records a timepoint's response sync instant.
func (s *PostgresStore) SetResponseSync(studyID, timepointID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE timepoints SET last_response_sync_at = $1 WHERE study_id = $2 AND id = $3`, at, studyID, timepointID)
	if err != nil {
		slog.Error("PostgresStore SetResponseSync failed", "error", err, "study", studyID, "timepoint", timepointID)
		return fmt.Errorf("failed to update response sync for %s/%s: %w", studyID, timepointID, err)
	}
	return requireRow(res, models.ErrStudyNotFound)
}

// SaveParticipant inserts or replaces a participant record.
func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`
		INSERT INTO participants (id, study_id, external_id, enrolled_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (study_id, external_id) DO UPDATE SET
			id=EXCLUDED.id, enrolled_at=EXCLUDED.enrolled_at, expires_at=EXCLUDED.expires_at, is_active=EXCLUDED.is_active`,
		p.ID, p.StudyID, p.ExternalID, p.EnrolledAt, p.ExpiresAt, p.IsActive)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "study", p.StudyID, "external_id", p.ExternalID)
		return fmt.Errorf("failed to save participant %s: %w", p.ExternalID, err)
	}
	slog.Debug("PostgresStore SaveParticipant succeeded", "study", p.StudyID, "external_id", p.ExternalID)
	return nil
}

// GetParticipant returns one participant by external id.
func (s *PostgresStore) GetParticipant(studyID, externalID string) (models.Participant, error) {
	row := s.db.QueryRow(`
		SELECT id, study_id, external_id, enrolled_at, expires_at, is_active
		FROM participants WHERE study_id = $1 AND external_id = $2`, studyID, externalID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return models.Participant{}, models.ErrParticipantNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "study", studyID, "external_id", externalID)
		return models.Participant{}, fmt.Errorf("failed to query participant %s: %w", externalID, err)
	}
	return p, nil
}

// GetParticipants returns all participants of a study.
func (s *PostgresStore) GetParticipants(studyID string) ([]models.Participant, error) {
	rows, err := s.db.Query(`
		SELECT id, study_id, external_id, enrolled_at, expires_at, is_active
		FROM participants WHERE study_id = $1`, studyID)
	if err != nil {
		slog.Error("PostgresStore GetParticipants query failed", "error", err, "study", studyID)
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
	slog.Debug("PostgresStore GetParticipants succeeded", "study", studyID, "count", len(parts))
	return parts, rows.Err()
}

// DeleteParticipant removes a participant; completions cascade via FK.
func (s *PostgresStore) DeleteParticipant(studyID, externalID string) error {
	if _, err := s.db.Exec(`DELETE FROM participants WHERE study_id = $1 AND external_id = $2`, studyID, externalID); err != nil {
		slog.Error("PostgresStore DeleteParticipant failed", "error", err, "study", studyID, "external_id", externalID)
		return fmt.Errorf("failed to delete participant %s: %w", externalID, err)
	}
	slog.Debug("PostgresStore DeleteParticipant succeeded", "study", studyID, "external_id", externalID)
	return nil
}

// SaveCompletion inserts or replaces a completion record.
func (s *PostgresStore) SaveCompletion(c models.Completion) error {
	_, err := s.db.Exec(`
		INSERT INTO completions (study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (study_id, external_id, timepoint_id) DO UPDATE SET
			is_complete=EXCLUDED.is_complete, last_nudge_sent_at=EXCLUDED.last_nudge_sent_at`,
		c.StudyID, c.ExternalID, c.TimepointID, c.IsComplete, c.LastNudgeSentAt)
	if err != nil {
		slog.Error("PostgresStore SaveCompletion failed", "error", err, "study", c.StudyID, "external_id", c.ExternalID, "timepoint", c.TimepointID)
		return fmt.Errorf("failed to save completion %s/%s: %w", c.ExternalID, c.TimepointID, err)
	}
	return nil
}

// GetCompletion returns one (participant, timepoint) completion.
func (s *PostgresStore) GetCompletion(studyID, externalID, timepointID string) (models.Completion, error) {
	row := s.db.QueryRow(`
		SELECT study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at
		FROM completions WHERE study_id = $1 AND external_id = $2 AND timepoint_id = $3`,
		studyID, externalID, timepointID)
	c, err := scanCompletion(row)
	if err == sql.ErrNoRows {
		return models.Completion{}, models.ErrCompletionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetCompletion failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return models.Completion{}, fmt.Errorf("failed to query completion %s/%s: %w", externalID, timepointID, err)
	}
	return c, nil
}

// GetCompletions returns all completions of a study.
func (s *PostgresStore) GetCompletions(studyID string) ([]models.Completion, error) {
	rows, err := s.db.Query(`
		SELECT study_id, external_id, timepoint_id, is_complete, last_nudge_sent_at
		FROM completions WHERE study_id = $1`, studyID)
	if err != nil {
		slog.Error("PostgresStore GetCompletions query failed", "error", err, "study", studyID)
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
func (s *PostgresStore) SetComplete(studyID, externalID, timepointID string, complete bool) error {
	res, err := s.db.Exec(`
		UPDATE completions SET is_complete = $1 WHERE study_id = $2 AND external_id = $3 AND timepoint_id = $4`,
		complete, studyID, externalID, timepointID)
	if err != nil {
		slog.Error("PostgresStore SetComplete failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return fmt.Errorf("failed to update completion %s/%s: %w", externalID, timepointID, err)
	}
	return requireRow(res, models.ErrCompletionNotFound)
}

// SetNudgeSent records the instant a nudge was dispatched for one completion.
func (s *PostgresStore) SetNudgeSent(studyID, externalID, timepointID string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE completions SET last_nudge_sent_at = $1 WHERE study_id = $2 AND external_id = $3 AND timepoint_id = $4`,
		at, studyID, externalID, timepointID)
	if err != nil {
		slog.Error("PostgresStore SetNudgeSent failed", "error", err, "study", studyID, "external_id", externalID, "timepoint", timepointID)
		return fmt.Errorf("failed to update nudge stamp %s/%s: %w", externalID, timepointID, err)
	}
	return requireRow(res, models.ErrCompletionNotFound)
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
