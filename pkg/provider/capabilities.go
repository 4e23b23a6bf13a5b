package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// ObjectGetter can download objects as a stream.
//
// The result cache uses it to load result artifacts.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// PrefixChecker reports whether a directory-like prefix exists.
//
// On a filesystem an empty directory exists; in object storage a prefix
// exists when at least one object lives under it.
type PrefixChecker interface {
	PrefixExists(ctx context.Context, prefix string) (bool, error)
}
