package software

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/pkgvault/internal/blobstore"
	"github.com/abduss/pkgvault/internal/checksum"
	"github.com/abduss/pkgvault/internal/config"
	"github.com/abduss/pkgvault/internal/metrics"
)

// Store is the persistence surface the service depends on.
type Store interface {
	CreateUploadSession(ctx context.Context, s UploadSession) error
	GetUploadSession(ctx context.Context, uploadID string, userID uuid.UUID) (UploadSession, error)
	BeginAppend(ctx context.Context, uploadID string, userID uuid.UUID, expectedOffset int64) (UploadSession, error)
	FinishAppend(ctx context.Context, uploadID string, userID uuid.UUID, newOffset int64) (UploadSession, error)
	FailUpload(ctx context.Context, uploadID string, userID uuid.UUID, bytesReceived int64, reason string) error
	StartFinalize(ctx context.Context, uploadID string, userID uuid.UUID) (UploadSession, error)
	CancelUpload(ctx context.Context, uploadID string, userID uuid.UUID, note string) error

	AcquireBlob(ctx context.Context, checksum string, sizeBytes int64) (Blob, bool, error)
	AdoptOrCreateBlob(ctx context.Context, checksum string, sizeBytes int64, storageKey string) (Blob, error)
	ReleaseBlobRef(ctx context.Context, blobID int64) error
	GetBlob(ctx context.Context, checksum string, sizeBytes int64) (Blob, error)

	CommitVersion(ctx context.Context, uploadID string, userID uuid.UUID, blobID int64, checksum string, sizeBytes int64) (FileVersion, error)
	TotalUploadedBytes(ctx context.Context, userID uuid.UUID) (int64, error)

	GetPackage(ctx context.Context, packageID int64) (Package, error)
	ListPackages(ctx context.Context, offset, limit int, language string) ([]Package, error)
	ListVersions(ctx context.Context, packageID int64, limit int) ([]FileVersion, error)
	GetVersion(ctx context.Context, versionID int64) (FileVersion, error)
	GetVersionForPackage(ctx context.Context, packageID, versionID int64) (FileVersion, error)
	IncrementDownloadCount(ctx context.Context, versionID int64) error
	DeletePackage(ctx context.Context, packageID int64, ownerID uuid.UUID) ([]string, error)

	AdminSummary(ctx context.Context) (AdminSummary, error)
	AdminListPackages(ctx context.Context, offset, limit int, ownerQuery string, onlyPrivate bool) ([]AdminPackageItem, error)
}

// Service implements package hosting: resumable and one-shot uploads,
// content-addressed deduplicated storage, downloads, and catalog queries.
type Service struct {
	store   Store
	backend blobstore.Backend
	scanner MalwareScanner
	limits  config.UploadConfig
	log     *zap.Logger
}

// NewService constructs a package hosting service.
func NewService(store Store, backend blobstore.Backend, scanner MalwareScanner, limits config.UploadConfig, log *zap.Logger) *Service {
	if scanner == nil {
		scanner = NoopScanner{}
	}
	return &Service{
		store:   store,
		backend: backend,
		scanner: scanner,
		limits:  limits,
		log:     log,
	}
}

func newUploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InitUpload validates declared package metadata and opens a resumable
// upload session. declaredMax, when positive, lowers the per-upload size
// ceiling below the server-wide maximum.
func (s *Service) InitUpload(ctx context.Context, draft PackageDraft, declaredMax int64) (UploadInitResult, error) {
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return UploadInitResult{}, err
	}

	maxSize := s.limits.MaxFileSizeBytes
	if declaredMax > maxSize {
		return UploadInitResult{}, fmt.Errorf("%w: declared size %d exceeds the %d byte limit",
			ErrValidation, declaredMax, maxSize)
	}
	if declaredMax > 0 {
		maxSize = declaredMax
	}

	session := UploadSession{
		ID:                 newUploadID(),
		UserID:             draft.OwnerID,
		PackageName:        draft.Name,
		PackageDescription: draft.Description,
		PackageCategory:    draft.Category,
		PackageLanguage:    draft.Language,
		PackageVersion:     draft.Version,
		IsPublic:           draft.IsPublic,
		FileName:           draft.FileName,
		ContentType:        draft.ContentType,
		MaxSizeBytes:       maxSize,
		Status:             StatusPending,
	}
	if err := s.store.CreateUploadSession(ctx, session); err != nil {
		return UploadInitResult{}, err
	}
	if err := s.backend.InitUpload(ctx, session.ID); err != nil {
		reason := "could not allocate upload storage"
		if failErr := s.store.FailUpload(ctx, session.ID, draft.OwnerID, -1, reason); failErr != nil {
			s.log.Warn("failed to mark session failed after storage error",
				zap.String("upload_id", session.ID), zap.Error(failErr))
		}
		return UploadInitResult{}, fmt.Errorf("%w: %v", ErrExternal, err)
	}

	s.log.Info("upload session opened",
		zap.String("upload_id", session.ID),
		zap.String("package", draft.Name),
		zap.String("version", draft.Version),
		zap.Int64("max_size_bytes", maxSize))

	return UploadInitResult{UploadID: session.ID, Offset: 0, MaxSizeBytes: maxSize}, nil
}

// AppendUpload streams one chunk of payload onto the session's temp object.
// expectedOffset must equal the session's recorded byte count; a mismatch
// rejects the request without touching stored bytes. A failure mid-stream
// marks the session FAILED and repairs the recorded offset from storage.
func (s *Service) AppendUpload(ctx context.Context, uploadID string, userID uuid.UUID, expectedOffset int64, body io.Reader) (UploadAppendResult, error) {
	session, err := s.store.BeginAppend(ctx, uploadID, userID, expectedOffset)
	if err != nil {
		return UploadAppendResult{}, err
	}

	written := session.BytesReceived
	buf := make([]byte, s.limits.ChunkSizeBytes)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if written+int64(n) > session.MaxSizeBytes {
				return UploadAppendResult{}, s.abandonAppend(ctx, session,
					fmt.Errorf("%w: upload exceeds the declared maximum of %d bytes", ErrValidation, session.MaxSizeBytes))
			}
			if err := s.backend.AppendUploadChunk(ctx, uploadID, buf[:n]); err != nil {
				return UploadAppendResult{}, s.abandonAppend(ctx, session,
					fmt.Errorf("%w: %v", ErrExternal, err))
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return UploadAppendResult{}, s.abandonAppend(ctx, session,
				fmt.Errorf("%w: reading upload body: %v", ErrExternal, readErr))
		}
	}

	// Record the backend's byte count rather than the in-memory counter so
	// the session never claims bytes the temp object does not hold.
	stored, err := s.backend.UploadSize(ctx, uploadID)
	if err != nil {
		return UploadAppendResult{}, s.abandonAppend(ctx, session,
			fmt.Errorf("%w: sizing upload: %v", ErrExternal, err))
	}

	session, err = s.store.FinishAppend(ctx, uploadID, userID, stored)
	if err != nil {
		if errors.Is(err, ErrUploadNotWritable) {
			// The session was cancelled or failed while this append was
			// streaming; discard whatever the append left behind.
			if abortErr := s.backend.AbortUpload(ctx, uploadID); abortErr != nil {
				s.log.Warn("failed to discard temp object",
					zap.String("upload_id", uploadID), zap.Error(abortErr))
			}
		}
		return UploadAppendResult{}, err
	}
	return UploadAppendResult{UploadID: uploadID, Offset: session.BytesReceived, Status: session.Status}, nil
}

// abandonAppend marks the session FAILED with the true byte count taken from
// storage, then returns cause for the caller to surface.
func (s *Service) abandonAppend(ctx context.Context, session UploadSession, cause error) error {
	size, sizeErr := s.backend.UploadSize(ctx, session.ID)
	if sizeErr != nil {
		size = -1
	}
	if err := s.store.FailUpload(ctx, session.ID, session.UserID, size, cause.Error()); err != nil {
		s.log.Warn("failed to mark session failed",
			zap.String("upload_id", session.ID), zap.Error(err))
	}
	return cause
}

// CompleteUpload finalizes a resumable upload. It re-reads the stored temp
// object to compute the payload's checksum, so the digest always reflects
// the bytes actually on disk. Completing an already completed session is
// idempotent and replays the original result.
func (s *Service) CompleteUpload(ctx context.Context, uploadID string, userID uuid.UUID) (FileVersion, error) {
	session, err := s.store.StartFinalize(ctx, uploadID, userID)
	if err != nil {
		return FileVersion{}, err
	}
	if session.Status == StatusCompleted {
		if session.CompletedVersionID == nil {
			return FileVersion{}, ErrVersionNotFound
		}
		return s.store.GetVersion(ctx, *session.CompletedVersionID)
	}

	rc, err := s.backend.OpenUpload(ctx, uploadID, 0, -1)
	if err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, fmt.Errorf("%w: %v", ErrExternal, err))
	}
	sum, size, err := checksum.HashReader(rc)
	rc.Close()
	if err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, fmt.Errorf("%w: %v", ErrExternal, err))
	}

	return s.finalize(ctx, session, sum, size)
}

// UploadSingle performs the one-shot upload path: it opens a session,
// streams the body while digesting it inline, and finalizes immediately.
func (s *Service) UploadSingle(ctx context.Context, draft PackageDraft, body io.Reader, declaredMax int64) (FileVersion, error) {
	start := time.Now()

	res, err := s.InitUpload(ctx, draft, declaredMax)
	if err != nil {
		return FileVersion{}, err
	}
	uploadID := res.UploadID

	acc := checksum.New()
	appendRes, err := s.AppendUpload(ctx, uploadID, draft.OwnerID, 0, io.TeeReader(body, acc))
	if err != nil {
		if abortErr := s.backend.AbortUpload(ctx, uploadID); abortErr != nil {
			s.log.Warn("failed to discard temp upload",
				zap.String("upload_id", uploadID), zap.Error(abortErr))
		}
		return FileVersion{}, err
	}

	session, err := s.store.StartFinalize(ctx, uploadID, draft.OwnerID)
	if err != nil {
		return FileVersion{}, err
	}
	if acc.BytesSeen() != appendRes.Offset {
		return FileVersion{}, s.abandonFinalize(ctx, session,
			fmt.Errorf("%w: digested %d bytes but stored %d", ErrExternal, acc.BytesSeen(), appendRes.Offset))
	}

	version, err := s.finalize(ctx, session, acc.SumHex(), acc.BytesSeen())
	if err != nil {
		return FileVersion{}, err
	}
	s.log.Info("one-shot upload finished",
		zap.String("upload_id", uploadID),
		zap.Int64("size_bytes", version.SizeBytes),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	return version, nil
}

// finalize admits the finished payload into the permanent namespace and
// records the new file version. The session must already be FINALIZING.
func (s *Service) finalize(ctx context.Context, session UploadSession, sum string, size int64) (FileVersion, error) {
	draft := VersionDraft{Version: session.PackageVersion, Checksum: sum, SizeBytes: size}
	if err := draft.Validate(); err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, err)
	}
	if size > session.MaxSizeBytes {
		return FileVersion{}, s.abandonFinalize(ctx, session,
			fmt.Errorf("%w: stored %d bytes exceed the session maximum of %d", ErrValidation, size, session.MaxSizeBytes))
	}

	if err := s.scanPayload(ctx, session); err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, err)
	}

	used, err := s.store.TotalUploadedBytes(ctx, session.UserID)
	if err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, err)
	}
	if used+size > s.limits.UserQuotaBytes {
		return FileVersion{}, s.abandonFinalize(ctx, session,
			fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, used, s.limits.UserQuotaBytes))
	}

	blob, deduplicated, err := s.admitBlob(ctx, session.ID, sum, size)
	if err != nil {
		return FileVersion{}, s.abandonFinalize(ctx, session, err)
	}

	version, err := s.store.CommitVersion(ctx, session.ID, session.UserID, blob.ID, sum, size)
	if err != nil {
		if releaseErr := s.store.ReleaseBlobRef(ctx, blob.ID); releaseErr != nil {
			s.log.Warn("failed to release blob reference",
				zap.Int64("blob_id", blob.ID), zap.Error(releaseErr))
		}
		return FileVersion{}, s.abandonFinalize(ctx, session, err)
	}

	metrics.UploadsCompleted.Inc()
	metrics.UploadBytes.Add(float64(size))
	if deduplicated {
		metrics.BlobsDeduplicated.Inc()
	}
	s.log.Info("upload finalized",
		zap.String("upload_id", session.ID),
		zap.String("package", session.PackageName),
		zap.String("version", session.PackageVersion),
		zap.Int64("size_bytes", size),
		zap.Bool("deduplicated", deduplicated))
	return version, nil
}

// admitBlob resolves the payload to a blob row, deduplicating by
// (checksum, size). When no blob exists the temp object is promoted into
// the permanent namespace; promotion losing the race to a concurrent upload
// of identical content is treated the same as a dedup hit. The returned
// blob row always carries a reference owned by this upload.
func (s *Service) admitBlob(ctx context.Context, uploadID, sum string, size int64) (Blob, bool, error) {
	blob, found, err := s.store.AcquireBlob(ctx, sum, size)
	if err != nil {
		return Blob{}, false, err
	}
	if found {
		if err := s.backend.AbortUpload(ctx, uploadID); err != nil {
			s.log.Warn("failed to discard duplicate payload",
				zap.String("upload_id", uploadID), zap.Error(err))
		}
		return blob, true, nil
	}

	created, err := s.backend.PromoteUpload(ctx, uploadID, StorageKey(sum))
	if err != nil {
		return Blob{}, false, fmt.Errorf("%w: %v", ErrExternal, err)
	}

	blob, err = s.store.AdoptOrCreateBlob(ctx, sum, size, StorageKey(sum))
	if errors.Is(err, ErrBlobConflict) {
		// A concurrent finalize inserted the row between our lookup and
		// insert. Its object is already in place, take a reference on it.
		var acquired bool
		blob, acquired, err = s.store.AcquireBlob(ctx, sum, size)
		if err == nil && !acquired {
			err = ErrBlobConflict
		}
	}
	if err != nil {
		return Blob{}, false, err
	}
	return blob, !created, nil
}

// scanPayload runs the malware scanner over the staged temp object. It must
// run before blob admission, which may discard the temp object on a dedup hit.
func (s *Service) scanPayload(ctx context.Context, session UploadSession) error {
	rc, err := s.backend.OpenUpload(ctx, session.ID, 0, -1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternal, err)
	}
	defer rc.Close()

	if err := s.scanner.ScanStream(ctx, rc, session.FileName, session.ContentType); err != nil {
		return fmt.Errorf("%w: malware scan: %v", ErrExternal, err)
	}
	return nil
}

func (s *Service) abandonFinalize(ctx context.Context, session UploadSession, cause error) error {
	if err := s.store.FailUpload(ctx, session.ID, session.UserID, -1, cause.Error()); err != nil {
		s.log.Warn("failed to mark session failed",
			zap.String("upload_id", session.ID), zap.Error(err))
	}
	return cause
}

// UploadStatus fetches the session's current state for the owner.
func (s *Service) UploadStatus(ctx context.Context, uploadID string, userID uuid.UUID) (UploadSession, error) {
	return s.store.GetUploadSession(ctx, uploadID, userID)
}

// CancelUpload marks a non-completed session FAILED and discards its temp
// object. Canceling an already completed upload is a conflict.
func (s *Service) CancelUpload(ctx context.Context, uploadID string, userID uuid.UUID) error {
	if err := s.store.CancelUpload(ctx, uploadID, userID, "canceled by user"); err != nil {
		return err
	}
	if err := s.backend.AbortUpload(ctx, uploadID); err != nil {
		s.log.Warn("failed to discard canceled upload",
			zap.String("upload_id", uploadID), zap.Error(err))
	}
	s.log.Info("upload canceled", zap.String("upload_id", uploadID))
	return nil
}

// GetPackage returns package metadata. Private packages stay listable,
// visibility only restricts downloads.
func (s *Service) GetPackage(ctx context.Context, packageID int64) (Package, error) {
	return s.store.GetPackage(ctx, packageID)
}

// ListPackages pages through the catalog, optionally filtered by language.
func (s *Service) ListPackages(ctx context.Context, offset, limit int, language string) ([]Package, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListPackages(ctx, offset, limit, language)
}

// ListVersions returns a package's most recent file versions.
func (s *Service) ListVersions(ctx context.Context, packageID int64, limit int) ([]FileVersion, error) {
	if _, err := s.store.GetPackage(ctx, packageID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListVersions(ctx, packageID, limit)
}

// IssueDownloadTicket authorizes a download of one file version and resolves
// it to its blob's storage key. Only public packages can be downloaded; the
// download counter is incremented at ticket issuance.
func (s *Service) IssueDownloadTicket(ctx context.Context, packageID, versionID int64) (DownloadTicket, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return DownloadTicket{}, err
	}
	if !pkg.IsPublic {
		return DownloadTicket{}, ErrPrivatePackage
	}
	version, err := s.store.GetVersionForPackage(ctx, packageID, versionID)
	if err != nil {
		return DownloadTicket{}, err
	}
	blob, err := s.store.GetBlob(ctx, version.Checksum, version.SizeBytes)
	if err != nil {
		return DownloadTicket{}, err
	}
	if err := s.store.IncrementDownloadCount(ctx, version.ID); err != nil {
		s.log.Warn("failed to increment download count",
			zap.Int64("version_id", version.ID), zap.Error(err))
	}
	metrics.DownloadTickets.Inc()
	return DownloadTicket{
		StorageKey:  blob.StorageKey,
		FileName:    version.FileName,
		ContentType: version.ContentType,
		SizeBytes:   version.SizeBytes,
		Checksum:    version.Checksum,
	}, nil
}

// OpenBlob streams bytes [start, end] of a stored object. A negative end
// reads to the end of the object.
func (s *Service) OpenBlob(ctx context.Context, storageKey string, start, end int64) (io.ReadCloser, error) {
	rc, err := s.backend.OpenObject(ctx, storageKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternal, err)
	}
	return rc, nil
}

// DeletePackage removes a package with all its versions, then deletes the
// physical objects of blobs that became orphaned. Object deletion failures
// are logged and swallowed: the rows are already gone and the leftover
// objects are unreachable.
func (s *Service) DeletePackage(ctx context.Context, packageID int64, ownerID uuid.UUID) error {
	orphanedKeys, err := s.store.DeletePackage(ctx, packageID, ownerID)
	if err != nil {
		return err
	}
	for _, key := range orphanedKeys {
		if err := s.backend.DeleteObject(ctx, key); err != nil {
			s.log.Warn("failed to delete orphaned object",
				zap.String("storage_key", key), zap.Error(err))
		}
	}
	s.log.Info("package deleted",
		zap.Int64("package_id", packageID),
		zap.Int("orphaned_blobs", len(orphanedKeys)))
	return nil
}

// AdminSummary aggregates catalog totals for the admin dashboard.
func (s *Service) AdminSummary(ctx context.Context) (AdminSummary, error) {
	return s.store.AdminSummary(ctx)
}

// AdminListPackages lists packages with owner identity for administrators.
func (s *Service) AdminListPackages(ctx context.Context, offset, limit int, ownerQuery string, onlyPrivate bool) ([]AdminPackageItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.AdminListPackages(ctx, offset, limit, ownerQuery, onlyPrivate)
}
