// Package dispatch delivers collected nudge batches to participants.
//
// The primary channel is the survey platform's own send endpoint; an SMS
// channel via Twilio exists for studies whose participants opted into phone
// reminders.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/szb37/psynudge/internal/models"
)

// Dispatcher sends one nudge batch over some delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch models.NudgeBatch) error
}

// LogDispatcher writes batches to the log instead of delivering them. Used
// for offline runs against feed snapshots, where no platform is configured.
type LogDispatcher struct{}

// NewLogDispatcher returns a log-only dispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

// Dispatch logs the batch and reports success.
func (l *LogDispatcher) Dispatch(ctx context.Context, batch models.NudgeBatch) error {
	slog.Info("LogDispatcher.Dispatch: nudge batch",
		"study", batch.StudyID, "timepoint", batch.TimepointID, "participants", batch.ParticipantIDs)
	return nil
}

// MockDispatcher records batches for tests.
type MockDispatcher struct {
	Batches []models.NudgeBatch
	Err     error
}

// NewMockDispatcher returns an empty recording dispatcher.
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{Batches: []models.NudgeBatch{}}
}

// Dispatch records the batch and returns the configured error, if any.
func (m *MockDispatcher) Dispatch(ctx context.Context, batch models.NudgeBatch) error {
	if m.Err != nil {
		return m.Err
	}
	m.Batches = append(m.Batches, batch)
	return nil
}
