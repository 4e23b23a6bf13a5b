package statusstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slidescan/pkg/analysis"
)

type failingBackend struct {
	Backend
	saveErr error
}

func (f *failingBackend) Save(context.Context, analysis.StatusRecord) error {
	return f.saveErr
}

type recorder struct {
	mu   sync.Mutex
	recs []analysis.StatusRecord
}

func (r *recorder) Notify(rec analysis.StatusRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func TestStoreDurabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	s, err := Open(ctx, b)
	require.NoError(t, err)
	for _, rec := range sampleRecords(t) {
		require.NoError(t, s.Set(ctx, rec))
	}
	before := s.List()
	require.NoError(t, s.Close())

	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	s2, err := Open(ctx, b2)
	require.NoError(t, err)
	after := s2.List()

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Key, after[i].Key)
		assert.Equal(t, before[i].State, after[i].State)
		assert.True(t, before[i].Result.Equal(after[i].Result))
		assert.Equal(t, before[i].Error, after[i].Error)
	}
}

func TestStoreSetNotifiesAfterWrite(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	rec := &recorder{}
	var s *Store
	s, err = Open(ctx, b, WithNotifier(NotifierFunc(func(r analysis.StatusRecord) {
		got, ok := s.Get(r.Key)
		require.True(t, ok, "record must be visible when observers run")
		assert.Equal(t, r.State, got.State)
		rec.Notify(r)
	})))
	require.NoError(t, err)

	q := sampleRecords(t)[0]
	require.NoError(t, s.Set(ctx, q))
	require.NoError(t, s.Set(ctx, q.Running(time.Now())))

	require.Len(t, rec.recs, 2)
	assert.Equal(t, analysis.StateQueued, rec.recs[0].State)
	assert.Equal(t, analysis.StateRunning, rec.recs[1].State)
}

func TestStorePersistenceFailureKeepsMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	mem, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = mem.Close() }()

	n := &recorder{}
	s, err := Open(ctx, &failingBackend{Backend: mem, saveErr: errors.New("disk full")}, WithNotifier(n))
	require.NoError(t, err)

	rec := sampleRecords(t)[0]
	require.NoError(t, s.Set(ctx, rec))

	got, ok := s.Get(rec.Key)
	require.True(t, ok)
	assert.Equal(t, analysis.StateQueued, got.State)
	assert.Len(t, n.recs, 1)
	assert.Equal(t, int64(1), s.Stats().PersistFailures)
}

func TestStoreSetRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s, err := Open(ctx, b)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Set(ctx, analysis.StatusRecord{State: analysis.StateQueued}), analysis.ErrInvalidKey)

	rec := sampleRecords(t)[0]
	rec.State = "paused"
	assert.Error(t, s.Set(ctx, rec))
	assert.Zero(t, s.Len())
}

func TestStoreListIsCopyOnRead(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s, err := Open(ctx, b)
	require.NoError(t, err)

	recs := sampleRecords(t)
	for i := len(recs) - 1; i >= 0; i-- {
		require.NoError(t, s.Set(ctx, recs[i]))
	}

	list := s.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Key.String(), list[i].Key.String())
	}

	for i := range list {
		list[i].State = analysis.StateFailed
		if list[i].Error != nil {
			list[i].Error.Message = "mutated"
		}
	}
	for _, rec := range recs {
		got, ok := s.Get(rec.Key)
		require.True(t, ok)
		assert.Equal(t, rec.State, got.State)
		assert.Equal(t, rec.Error, got.Error)
	}
}

func TestOpenSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	mem, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = mem.Close() }()

	rec := sampleRecords(t)[1]
	require.NoError(t, mem.Save(ctx, rec))
	_, err = mem.db.ExecContext(ctx,
		`INSERT INTO job_status (token, key, state, record, updated_at) VALUES ('x', 'x', 'queued', '[]', '')`)
	require.NoError(t, err)

	s, err := Open(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(1), s.Stats().CorruptSkipped)
}
