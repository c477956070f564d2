// Package store provides storage backends for psynudge.
//
// It persists the study/participant/completion relational model behind a
// single Store interface, with in-memory, SQLite and PostgreSQL
// implementations. Lookups are explicit and indexed (participants keyed by
// external id per study); there is no query DSL.
package store

import (
	"strings"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

// Store is the persistence interface shared by all backends.
//
// Participants and completions are keyed by (studyID, externalID); deleting a
// participant always deletes its completions with it. Sync stamps are the only
// mutable study/timepoint state.
type Store interface {
	// SaveStudy inserts or updates a study and its timepoints.
	SaveStudy(study models.Study) error
	// GetStudy returns the study with the given id, timepoints included.
	// Returns models.ErrStudyNotFound for unknown ids.
	GetStudy(id string) (models.Study, error)
	// GetStudies returns all studies.
	GetStudies() ([]models.Study, error)
	// SetEnrollmentSync records when the study's enrollment feed was last applied.
	SetEnrollmentSync(studyID string, at time.Time) error
	// SetResponseSync records when the timepoint's response feed was last applied.
	SetResponseSync(studyID, timepointID string, at time.Time) error

	// SaveParticipant inserts or replaces a participant record.
	SaveParticipant(p models.Participant) error
	// GetParticipant returns the participant with the given external id.
	// Returns models.ErrParticipantNotFound for unknown ids.
	GetParticipant(studyID, externalID string) (models.Participant, error)
	// GetParticipants returns all participants of a study.
	GetParticipants(studyID string) ([]models.Participant, error)
	// DeleteParticipant removes a participant and all its completions.
	DeleteParticipant(studyID, externalID string) error

	// SaveCompletion inserts or replaces a completion record.
	SaveCompletion(c models.Completion) error
	// GetCompletion returns one (participant, timepoint) completion.
	// Returns models.ErrCompletionNotFound for unknown keys.
	GetCompletion(studyID, externalID, timepointID string) (models.Completion, error)
	// GetCompletions returns all completions of a study.
	GetCompletions(studyID string) ([]models.Completion, error)
	// SetComplete overwrites the completion flag of one completion.
	SetComplete(studyID, externalID, timepointID string, complete bool) error
	// SetNudgeSent records the instant a nudge was dispatched for one completion.
	SetNudgeSent(studyID, externalID, timepointID string, at time.Time) error

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN configures the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// NewStore builds a backend from the configured DSN: PostgreSQL for postgres
// DSNs, SQLite for file paths, in-memory when no DSN is given.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". PostgreSQL DSNs
// come as URLs or key=value strings; anything else is treated as a SQLite
// file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}
