package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUploadMissing signals that no temp object exists for the upload id.
	ErrUploadMissing = errors.New("upload temp object not found")
	// ErrInvalidKey is returned for storage keys that escape the object namespace.
	ErrInvalidKey = errors.New("invalid storage key")
)

// Backend abstracts durable byte storage for package payloads. The temp
// namespace is keyed by upload id and supports append-only writes; the
// permanent namespace is keyed by storage key and is write-once via
// PromoteUpload. Callers serialize Append calls per upload id; the backend
// only guarantees atomicity at single-key granularity.
type Backend interface {
	// InitUpload creates an empty writable temp object, truncating any
	// leftover data from a previous attempt with the same id.
	InitUpload(ctx context.Context, uploadID string) error

	// AppendUploadChunk appends bytes at the current end of the temp object.
	AppendUploadChunk(ctx context.Context, uploadID string, chunk []byte) error

	// UploadSize returns the temp object's current length, 0 if absent.
	UploadSize(ctx context.Context, uploadID string) (int64, error)

	// OpenUpload streams bytes [start, end] of the temp object. A negative
	// end reads to EOF.
	OpenUpload(ctx context.Context, uploadID string, start, end int64) (io.ReadCloser, error)

	// AbortUpload deletes the temp object. Idempotent.
	AbortUpload(ctx context.Context, uploadID string) error

	// PromoteUpload atomically moves the temp object into the permanent
	// namespace. Returns true if this call created the permanent object,
	// false if the key already existed and the temp object was discarded.
	// Fails with ErrUploadMissing if no temp object exists.
	PromoteUpload(ctx context.Context, uploadID, storageKey string) (bool, error)

	// OpenObject streams bytes [start, end] of a permanent object. A
	// negative end reads to EOF.
	OpenObject(ctx context.Context, storageKey string, start, end int64) (io.ReadCloser, error)

	// ObjectSize returns a permanent object's length.
	ObjectSize(ctx context.Context, storageKey string) (int64, error)

	// DeleteObject removes a permanent object. Idempotent.
	DeleteObject(ctx context.Context, storageKey string) error
}
