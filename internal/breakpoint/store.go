package breakpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"downpour/internal/cause"
	"downpour/internal/task"
)

// ErrNotFound is returned by Lookup when no info exists for a task.
var ErrNotFound = errors.New("breakpoint: info not found")

// Summary is a read-only view of one stored info, for listings.
type Summary struct {
	TaskID      string
	URL         string
	TotalLength int64
	Offset      int64
	EndCause    string
	EndError    string
	UpdatedAt   time.Time
}

// Store persists resumption state. Implementations must guarantee at
// most one live info per task identity.
type Store interface {
	// Lookup returns the info stored for taskID, or ErrNotFound.
	Lookup(ctx context.Context, taskID string) (*Info, error)
	// CreateAndPersist builds a fresh empty info for the task and
	// persists it before returning.
	CreateAndPersist(ctx context.Context, t *task.Task) (*Info, error)
	// Update persists the info's current layout and progress.
	Update(ctx context.Context, info *Info) error
	// MarkAttemptStart records that an attempt sequence began.
	MarkAttemptStart(ctx context.Context, taskID string) error
	// MarkAttemptEnd records the terminal classification of a sequence.
	MarkAttemptEnd(ctx context.Context, taskID string, endCause cause.EndCause, endErr error) error
	// Discard removes the stored info for taskID. Removing an absent
	// info is not an error.
	Discard(ctx context.Context, taskID string) error
	// List returns summaries of every stored info.
	List(ctx context.Context) ([]Summary, error)
}

// MemoryStore is a non-durable Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	infos   map[string]*Info
	records map[string]*Summary
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		infos:   make(map[string]*Info),
		records: make(map[string]*Summary),
	}
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(ctx context.Context, taskID string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// CreateAndPersist implements Store.
func (s *MemoryStore) CreateAndPersist(ctx context.Context, t *task.Task) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.infos[t.ID()]; ok {
		return existing, nil
	}
	info := NewInfo(t.ID(), t.URL())
	s.infos[t.ID()] = info
	s.records[t.ID()] = &Summary{TaskID: t.ID(), URL: t.URL(), UpdatedAt: time.Now()}
	return info, nil
}

// Update implements Store. The in-memory layout is already live, so
// only the listing record needs refreshing.
func (s *MemoryStore) Update(ctx context.Context, info *Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.ID()] = info
	rec, ok := s.records[info.ID()]
	if !ok {
		rec = &Summary{TaskID: info.ID(), URL: info.URL()}
		s.records[info.ID()] = rec
	}
	rec.TotalLength = info.TotalLength()
	rec.Offset = info.Offset()
	rec.UpdatedAt = time.Now()
	return nil
}

// MarkAttemptStart implements Store.
func (s *MemoryStore) MarkAttemptStart(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[taskID]; ok {
		rec.EndCause = ""
		rec.EndError = ""
		rec.UpdatedAt = time.Now()
	}
	return nil
}

// MarkAttemptEnd implements Store.
func (s *MemoryStore) MarkAttemptEnd(ctx context.Context, taskID string, endCause cause.EndCause, endErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		rec = &Summary{TaskID: taskID}
		s.records[taskID] = rec
	}
	rec.EndCause = endCause.String()
	if endErr != nil {
		rec.EndError = endErr.Error()
	} else {
		rec.EndError = ""
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Discard implements Store.
func (s *MemoryStore) Discard(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.infos, taskID)
	delete(s.records, taskID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.records))
	for id, rec := range s.records {
		summary := *rec
		if info, ok := s.infos[id]; ok {
			summary.TotalLength = info.TotalLength()
			summary.Offset = info.Offset()
		}
		out = append(out, summary)
	}
	return out, nil
}
