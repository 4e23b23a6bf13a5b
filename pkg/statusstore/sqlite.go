package statusstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/3leaps/slidescan/pkg/analysis"
)

const driverSQLite = "slidescan-sqlite"

func init() {
	sql.Register(driverSQLite, &sqlite.Driver{})
}

// SQLiteBackend stores records in a single SQLite table.
//
// Suited to large deployments where one file per job becomes unwieldy.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS job_status (
		token TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		state TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_status_state ON job_status(state)`,
}

// OpenSQLite opens (and creates if needed) the database at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := ensureStoreDir(path); err != nil {
		return nil, err
	}

	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping status store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure status schema: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, rec analysis.StatusRecord) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO job_status (token, key, state, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			key = excluded.key,
			state = excluded.state,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		rec.Key.Encode(), rec.Key.String(), string(rec.State), string(data),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert status record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) LoadAll(ctx context.Context) ([]analysis.StatusRecord, []error, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT token, record FROM job_status ORDER BY token`)
	if err != nil {
		return nil, nil, fmt.Errorf("query status records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		records []analysis.StatusRecord
		corrupt []error
	)
	for rows.Next() {
		var token, body string
		if err := rows.Scan(&token, &body); err != nil {
			return nil, nil, fmt.Errorf("scan status record: %w", err)
		}
		rec, err := decodeRecord([]byte(body))
		if err == nil && rec.Key.Encode() != token {
			err = fmt.Errorf("key in record does not match token")
		}
		if err != nil {
			corrupt = append(corrupt, fmt.Errorf("%w: %s: %v", analysis.ErrLoadCorruption, token, err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate status records: %w", err)
	}
	return records, corrupt, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// Keep a single connection; a private in-memory database lives and dies
	// with its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
