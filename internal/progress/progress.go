package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an operation id is unknown.
var ErrNotFound = errors.New("progress: operation not found")

// DefaultRetention is how long finished operation records are kept for late
// pollers before they become eligible for cleanup.
const DefaultRetention = time.Hour

// Record tracks one long-running operation. Seq increases with every message
// update so pollers can detect progress; once Done is set the record is never
// mutated again.
type Record struct {
	Message string    `json:"msg"`
	Seq     int64     `json:"seq"`
	Done    bool      `json:"done"`
	OK      bool      `json:"ok"`
	Result  any       `json:"result"`
	At      time.Time `json:"ts"`
}

// Store persists operation records. The in-memory implementation suits a
// single-process deployment; the Redis implementation is for multi-process
// setups where pollers may land on a different process than the worker.
type Store interface {
	// Init creates a record and returns its opaque id.
	Init(ctx context.Context, msg string) (string, error)
	// Set updates the record's message and bumps Seq. No-op once Done.
	Set(ctx context.Context, id, msg string) error
	// Done marks the record terminal with an outcome and result.
	Done(ctx context.Context, id string, ok bool, result any) error
	// Get returns the record, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	Close() error
}

// Complete marks an operation successfully finished with a final "Complete"
// message and result.
func Complete(ctx context.Context, s Store, id string, result any) error {
	if err := s.Set(ctx, id, "Complete"); err != nil {
		return err
	}
	return s.Done(ctx, id, true, result)
}

// MemoryStore is the in-memory Store: one writer per record, any number of
// polling readers.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention == 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		records:   make(map[string]*Record),
		retention: retention,
		now:       time.Now,
	}
}

// Init creates a record and returns its opaque id.
func (s *MemoryStore) Init(ctx context.Context, msg string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
	s.records[id] = &Record{
		Message: msg,
		Seq:     1,
		OK:      true,
		At:      s.now(),
	}
	return id, nil
}

// Set updates the record's message and bumps Seq.
func (s *MemoryStore) Set(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Done {
		return nil
	}
	rec.Message = msg
	rec.Seq++
	rec.At = s.now()
	return nil
}

// Done marks the record terminal.
func (s *MemoryStore) Done(ctx context.Context, id string, ok bool, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.records[id]
	if !found {
		return ErrNotFound
	}
	if rec.Done {
		return nil
	}
	rec.Done = true
	rec.OK = ok
	rec.Result = result
	rec.At = s.now()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Close releases nothing for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// cleanupLocked drops finished records past the retention window.
func (s *MemoryStore) cleanupLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, rec := range s.records {
		if rec.Done && rec.At.Before(cutoff) {
			delete(s.records, id)
		}
	}
}
