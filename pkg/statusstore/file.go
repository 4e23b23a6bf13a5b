package statusstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/slidescan/pkg/analysis"
)

const recordExt = ".json"

// FileBackend stores one JSON file per job.
//
// Directory layout:
//
//	<dir>/<token>.json
//
// where token is JobKey.Encode(). The file body is the full StatusRecord,
// key included, so digest tokens can still be resolved on load.
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a backend rooted at dir, creating it if needed.
// Failure to create the directory is fatal for the caller.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("status dir is empty")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backend directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// RecordPath returns the file a key is persisted to.
func (b *FileBackend) RecordPath(key analysis.JobKey) string {
	return filepath.Join(b.dir, key.Encode()+recordExt)
}

func (b *FileBackend) Save(ctx context.Context, rec analysis.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Key.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	data = append(data, '\n')

	token := rec.Key.Encode()
	tmp, err := os.CreateTemp(b.dir, token+recordExt+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(b.dir, token+recordExt)); err != nil {
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}

func (b *FileBackend) LoadAll(ctx context.Context) ([]analysis.StatusRecord, []error, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read status dir: %w", err)
	}

	var (
		records []analysis.StatusRecord
		corrupt []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		rec, err := b.readRecord(name)
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		records = append(records, rec)
	}
	return records, corrupt, nil
}

func (b *FileBackend) readRecord(name string) (analysis.StatusRecord, error) {
	fail := func(format string, args ...any) (analysis.StatusRecord, error) {
		return analysis.StatusRecord{}, fmt.Errorf("%w: %s: %s", analysis.ErrLoadCorruption, name, fmt.Sprintf(format, args...))
	}

	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return fail("%v", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return fail("%v", err)
	}

	token := strings.TrimSuffix(name, recordExt)
	fromName, ok, err := analysis.DecodeToken(token)
	if err != nil {
		return fail("bad file name: %v", err)
	}
	if ok && fromName != rec.Key {
		return fail("key in body does not match file name")
	}
	if !ok && rec.Key.Encode() != token {
		return fail("key in body does not match digest")
	}
	return rec, nil
}

func (b *FileBackend) Close() error { return nil }

func decodeRecord(data []byte) (analysis.StatusRecord, error) {
	var rec analysis.StatusRecord
	if strings.TrimSpace(string(data)) == "" {
		return rec, fmt.Errorf("record is empty")
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse record: %w", err)
	}
	if err := rec.Key.Validate(); err != nil {
		return rec, err
	}
	if !rec.State.Valid() {
		return rec, fmt.Errorf("unknown state %q", rec.State)
	}
	return rec, nil
}
