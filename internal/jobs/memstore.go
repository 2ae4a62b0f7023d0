package jobs

import (
	"errors"
	"sync"
)

// MemStore is the in-process Store implementation: a job map plus an owner
// index, guarded by a single mutex.
type MemStore struct {
	mu     sync.Mutex
	jobs   map[string]*Record
	owners map[string]map[string]struct{}
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:   make(map[string]*Record),
		owners: make(map[string]map[string]struct{}),
	}
}

func (s *MemStore) Upsert(rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.Job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Job.ID
	if prev, ok := s.jobs[id]; ok && prev.OwnerID != rec.OwnerID {
		s.unlink(prev.OwnerID, id)
	}
	s.jobs[id] = rec.Clone()
	if rec.OwnerID != "" {
		set, ok := s.owners[rec.OwnerID]
		if !ok {
			set = make(map[string]struct{})
			s.owners[rec.OwnerID] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

func (s *MemStore) Get(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemStore) ListByOwner(ownerID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for id := range s.owners[ownerID] {
		if rec, ok := s.jobs[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil
	}
	delete(s.jobs, id)
	s.unlink(rec.OwnerID, id)
	return nil
}

func (s *MemStore) Close() error { return nil }

// unlink removes id from the owner index; callers hold the mutex.
func (s *MemStore) unlink(ownerID, id string) {
	set, ok := s.owners[ownerID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.owners, ownerID)
	}
}
