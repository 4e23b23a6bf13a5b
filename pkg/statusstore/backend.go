// Package statusstore keeps the current StatusRecord of every known job.
//
// The in-memory map is authoritative for the running process. Every write
// is also persisted through a Backend so that a restart reconstructs the
// same map before new requests are admitted. Persistence is best-effort:
// a failed write is logged and counted, never surfaced to the caller.
package statusstore

import (
	"context"

	"github.com/3leaps/slidescan/pkg/analysis"
)

// Backend persists status records.
//
// Save must be atomic per record: a crash mid-write leaves either the old
// or the new record, never a torn one.
type Backend interface {
	// Save writes rec, replacing any previous record for the same key.
	Save(ctx context.Context, rec analysis.StatusRecord) error

	// LoadAll reads every persisted record. Entries that cannot be decoded
	// are reported in corrupt (each wrapping analysis.ErrLoadCorruption)
	// and skipped. err is set only when the storage itself is unreadable.
	LoadAll(ctx context.Context) (records []analysis.StatusRecord, corrupt []error, err error)

	// Close releases backend resources.
	Close() error
}

// Notifier observes every record written to the store.
type Notifier interface {
	Notify(rec analysis.StatusRecord)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(rec analysis.StatusRecord)

// Notify calls f(rec).
func (f NotifierFunc) Notify(rec analysis.StatusRecord) { f(rec) }
