package software

import "errors"

var (
	// ErrValidation tags client-fixable input problems. Callers wrap it with
	// a specific reason via fmt.Errorf("%w: ...", ErrValidation).
	ErrValidation = errors.New("validation failed")
	// ErrExternal tags failures of external collaborators (scanner, remote
	// storage) so callers can decide whether to retry.
	ErrExternal = errors.New("external service failed")

	// ErrPackageNotFound signals an unknown package id.
	ErrPackageNotFound = errors.New("package not found")
	// ErrVersionNotFound signals an unknown file version for a package.
	ErrVersionNotFound = errors.New("file version not found")
	// ErrUploadNotFound signals an unknown upload session for the user.
	ErrUploadNotFound = errors.New("upload session not found")
	// ErrBlobNotFound signals a missing backing blob row.
	ErrBlobNotFound = errors.New("backing file not found")

	// ErrUploadNotWritable is returned when appending to a session that is
	// finalizing or terminal.
	ErrUploadNotWritable = errors.New("upload session is not writable")
	// ErrOffsetMismatch is returned when the declared append offset does not
	// match the session's recorded byte count.
	ErrOffsetMismatch = errors.New("upload offset mismatch")
	// ErrUploadCompleted is returned when canceling an already completed upload.
	ErrUploadCompleted = errors.New("cannot cancel completed upload")
	// ErrUploadFinalizing is returned when finalize re-enters a session that
	// is already finalizing or has failed.
	ErrUploadFinalizing = errors.New("upload session cannot be completed")
	// ErrVersionExists is returned when the (package, version) pair is taken.
	ErrVersionExists = errors.New("package version already exists")
	// ErrBlobConflict is returned when concurrent finalizations race on the
	// same blob row in a way the loser cannot reconcile.
	ErrBlobConflict = errors.New("blob consistency conflict")

	// ErrNotOwner is returned when a non-owner attempts package deletion.
	ErrNotOwner = errors.New("only the package owner can delete this package")
	// ErrPrivatePackage refuses download tickets for non-public packages.
	ErrPrivatePackage = errors.New("private software is view-only and cannot be downloaded")
	// ErrQuotaExceeded is returned when a finalize would push the owner past
	// the per-user storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)
