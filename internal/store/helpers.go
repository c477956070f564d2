package store

import (
	"database/sql"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// nilIfZeroTime returns nil for the zero time, otherwise the time itself.
// Used for nullable timestamp columns.
func nilIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanStudy(s scanner) (models.Study, error) {
	var study models.Study
	var kind string
	var syncAt sql.NullTime
	if err := s.Scan(&study.ID, &study.Name, &kind, &study.IsActive, &syncAt); err != nil {
		return study, err
	}
	study.Kind = models.StudyKind(kind)
	if syncAt.Valid {
		study.LastEnrollmentSyncAt = syncAt.Time.UTC()
	}
	return study, nil
}

func scanTimepoint(s scanner) (models.Timepoint, error) {
	var tp models.Timepoint
	var offsetNs, openNs, nudgeNs int64
	var syncAt sql.NullTime
	err := s.Scan(
		&tp.ID, &tp.Name, &tp.SurveyID, &tp.FirstQuestionID, &tp.LastQuestionID, &tp.StartPageID,
		&offsetNs, &openNs, &nudgeNs, &syncAt,
	)
	if err != nil {
		return tp, err
	}
	tp.OffsetToStart = time.Duration(offsetNs)
	tp.DurationOpen = time.Duration(openNs)
	tp.DurationNudge = time.Duration(nudgeNs)
	if syncAt.Valid {
		tp.LastResponseSyncAt = syncAt.Time.UTC()
	}
	return tp, nil
}

func scanParticipant(s scanner) (models.Participant, error) {
	var p models.Participant
	err := s.Scan(&p.ID, &p.StudyID, &p.ExternalID, &p.EnrolledAt, &p.ExpiresAt, &p.IsActive)
	if err != nil {
		return p, err
	}
	p.EnrolledAt = p.EnrolledAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return p, nil
}

func scanCompletion(s scanner) (models.Completion, error) {
	var c models.Completion
	err := s.Scan(&c.StudyID, &c.ExternalID, &c.TimepointID, &c.IsComplete, &c.LastNudgeSentAt)
	if err != nil {
		return c, err
	}
	c.LastNudgeSentAt = c.LastNudgeSentAt.UTC()
	return c, nil
}

// requireRow converts a zero-row UPDATE into the given not-found error.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
