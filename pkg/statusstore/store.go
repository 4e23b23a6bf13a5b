package statusstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/analysis"
)

// Store is the in-memory view of every job's status, backed by a Backend.
//
// Store is safe for concurrent use. Callers that need per-key ordering of
// notifications (the task queue) serialize their own Set calls.
type Store struct {
	mu      sync.RWMutex
	records map[string]analysis.StatusRecord

	backend  Backend
	notifier Notifier
	logger   *zap.Logger

	persistFailures atomic.Int64
	corruptSkipped  atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the observer called after every Set.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open builds a store over backend and loads every persisted record before
// returning.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("status backend is nil")
	}
	s := &Store{
		records: make(map[string]analysis.StatusRecord),
		backend: backend,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.LoadAll(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadAll reads every persisted record into memory, replacing in-memory
// entries for the same keys. Corrupt entries are logged and skipped, so the
// key reads as absent. It returns the number of records loaded.
func (s *Store) LoadAll(ctx context.Context) (int, error) {
	records, corrupt, err := s.backend.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load status records: %w", err)
	}
	for _, cerr := range corrupt {
		s.corruptSkipped.Add(1)
		s.logger.Warn("Skipping corrupt status record", zap.Error(cerr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.Key.String()] = rec.Clone()
	}
	s.logger.Info("Loaded status records",
		zap.Int("records", len(records)),
		zap.Int("corrupt", len(corrupt)))
	return len(records), nil
}

// Get returns a copy of the record for key.
func (s *Store) Get(key analysis.JobKey) (analysis.StatusRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return analysis.StatusRecord{}, false
	}
	return rec.Clone(), true
}

// Set overwrites the record for rec.Key in memory, persists it and then
// notifies the observer.
//
// A persistence failure is logged and counted; the in-memory update and the
// notification still happen. The only error returned is for a record whose
// key is invalid, which is never stored.
func (s *Store) Set(ctx context.Context, rec analysis.StatusRecord) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	if !rec.State.Valid() {
		return fmt.Errorf("status record for %s: unknown state %q", rec.Key.Encode(), rec.State)
	}

	rec = rec.Clone()
	s.mu.Lock()
	s.records[rec.Key.String()] = rec
	s.mu.Unlock()

	if err := s.backend.Save(ctx, rec); err != nil {
		s.persistFailures.Add(1)
		s.logger.Error("Failed to persist status record",
			zap.String("folder", rec.Key.ContainerPath),
			zap.String("file", rec.Key.FileID),
			zap.String("variant", rec.Key.Variant.String()),
			zap.String("state", string(rec.State)),
			zap.Error(fmt.Errorf("%w: %w", analysis.ErrPersistence, err)))
	}

	if s.notifier != nil {
		s.notifier.Notify(rec.Clone())
	}
	return nil
}

// List returns a snapshot of all records sorted by canonical key. The
// returned records are copies.
func (s *Store) List() []analysis.StatusRecord {
	s.mu.RLock()
	out := make([]analysis.StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Len returns the number of known jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats reports persistence health counters.
type Stats struct {
	Records         int   `json:"records"`
	PersistFailures int64 `json:"persist_failures"`
	CorruptSkipped  int64 `json:"corrupt_skipped"`
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Records:         s.Len(),
		PersistFailures: s.persistFailures.Load(),
		CorruptSkipped:  s.corruptSkipped.Load(),
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
