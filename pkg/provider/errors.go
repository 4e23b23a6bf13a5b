package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for result storage.
var (
	// ErrNotFound indicates the object or prefix does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrRootNotFound indicates the storage root (bucket or base
	// directory) does not exist.
	ErrRootNotFound = errors.New("storage root not found")

	// ErrAccessDenied covers missing permissions and rejected credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates a transient failure: throttling or a
	// server-side error. Retrying later may succeed.
	ErrUnavailable = errors.New("storage unavailable")
)

// StorageError wraps a storage failure with the operation and location.
type StorageError struct {
	Op       string
	Provider ProviderType

	// Root is the bucket name or base directory.
	Root string
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	loc := e.Root
	if e.Key != "" {
		if loc != "" {
			loc += "/"
		}
		loc += e.Key
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, loc, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRootNotFound reports whether err means the storage root is missing.
func IsRootNotFound(err error) bool {
	return errors.Is(err, ErrRootNotFound)
}

// IsAccessDenied reports whether err is a permission or credential failure.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
