// Package store: in-memory backend.
//
// Used by tests and dry runs. Data is indexed the same way the persistent
// backends index it: participants and completions by external id per study.
package store

import (
	"sync"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

// InMemoryStore keeps all records in maps guarded by one RWMutex.
type InMemoryStore struct {
	mu           sync.RWMutex
	studies      map[string]models.Study
	participants map[string]map[string]models.Participant // studyID -> externalID
	completions  map[string]map[string]models.Completion  // studyID -> externalID+"/"+timepointID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		studies:      make(map[string]models.Study),
		participants: make(map[string]map[string]models.Participant),
		completions:  make(map[string]map[string]models.Completion),
	}
}

func completionKey(externalID, timepointID string) string {
	return externalID + "/" + timepointID
}

// SaveStudy inserts or updates a study and its timepoints.
func (s *InMemoryStore) SaveStudy(study models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[study.ID] = study
	return nil
}

// GetStudy returns the study with the given id.
func (s *InMemoryStore) GetStudy(id string) (models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	study, ok := s.studies[id]
	if !ok {
		return models.Study{}, models.ErrStudyNotFound
	}
	return study, nil
}

// GetStudies returns all studies.
func (s *InMemoryStore) GetStudies() ([]models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	studies := make([]models.Study, 0, len(s.studies))
	for _, study := range s.studies {
		studies = append(studies, study)
	}
	return studies, nil
}

// SetEnrollmentSync records the study's enrollment sync instant.
func (s *InMemoryStore) SetEnrollmentSync(studyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return models.ErrStudyNotFound
	}
	study.LastEnrollmentSyncAt = at
	s.studies[studyID] = study
	return nil
}

// SetResponseSync records a timepoint's response sync instant.
func (s *InMemoryStore) SetResponseSync(studyID, timepointID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return models.ErrStudyNotFound
	}
	for i := range study.Timepoints {
		if study.Timepoints[i].ID == timepointID {
			study.Timepoints[i].LastResponseSyncAt = at
			s.studies[studyID] = study
			return nil
		}
	}
	return models.ErrStudyNotFound
}

// SaveParticipant inserts or replaces a participant record.
func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participants[p.StudyID] == nil {
		s.participants[p.StudyID] = make(map[string]models.Participant)
	}
	s.participants[p.StudyID][p.ExternalID] = p
	return nil
}

// GetParticipant returns one participant by external id.
func (s *InMemoryStore) GetParticipant(studyID, externalID string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[studyID][externalID]
	if !ok {
		return models.Participant{}, models.ErrParticipantNotFound
	}
	return p, nil
}

// GetParticipants returns all participants of a study.
func (s *InMemoryStore) GetParticipants(studyID string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]models.Participant, 0, len(s.participants[studyID]))
	for _, p := range s.participants[studyID] {
		parts = append(parts, p)
	}
	return parts, nil
}

// DeleteParticipant removes a participant and all its completions.
func (s *InMemoryStore) DeleteParticipant(studyID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants[studyID], externalID)
	prefix := externalID + "/"
	for key := range s.completions[studyID] {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.completions[studyID], key)
		}
	}
	return nil
}

// SaveCompletion inserts or replaces a completion record.
func (s *InMemoryStore) SaveCompletion(c models.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completions[c.StudyID] == nil {
		s.completions[c.StudyID] = make(map[string]models.Completion)
	}
	s.completions[c.StudyID][completionKey(c.ExternalID, c.TimepointID)] = c
	return nil
}

// GetCompletion returns one (participant, timepoint) completion.
func (s *InMemoryStore) GetCompletion(studyID, externalID, timepointID string) (models.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.completions[studyID][completionKey(externalID, timepointID)]
	if !ok {
		return models.Completion{}, models.ErrCompletionNotFound
	}
	return c, nil
}

// GetCompletions returns all completions of a study.
func (s *InMemoryStore) GetCompletions(studyID string) ([]models.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comps := make([]models.Completion, 0, len(s.completions[studyID]))
	for _, c := range s.completions[studyID] {
		comps = append(comps, c)
	}
	return comps, nil
}

// SetComplete overwrites the completion flag of one completion.
func (s *InMemoryStore) SetComplete(studyID, externalID, timepointID string, complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := completionKey(externalID, timepointID)
	c, ok := s.completions[studyID][key]
	if !ok {
		return models.ErrCompletionNotFound
	}
	c.IsComplete = complete
	s.completions[studyID][key] = c
	return nil
}

// SetNudgeSent records the instant a nudge was dispatched for one completion.
func (s *InMemoryStore) SetNudgeSent(studyID, externalID, timepointID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := completionKey(externalID, timepointID)
	c, ok := s.completions[studyID][key]
	if !ok {
		return models.ErrCompletionNotFound
	}
	c.LastNudgeSentAt = at
	s.completions[studyID][key] = c
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
