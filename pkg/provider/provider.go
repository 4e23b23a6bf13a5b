// Package provider defines the storage abstraction the result cache reads
// through.
//
// Result layouts written by the analysis pipeline live either on the local
// filesystem or in an S3-compatible bucket that mirrors it. Providers expose
// a small read-only surface: listing, metadata, and object reads. Writes to
// the result layout belong to the pipeline, never to slidescan.
package provider

import (
	"context"
	"time"
)

// Provider abstracts read access to a result layout.
//
// Implementations should:
//   - Use forward-slash keys relative to the provider root
//   - Support pagination via continuation tokens
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	// Empty string starts from the beginning.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	// Objects contains the object summaries for this page.
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the object key relative to the provider root.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, when the backend has one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
