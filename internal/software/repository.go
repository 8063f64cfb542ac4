package software

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repositoryTimeout = 5 * time.Second

// Repository persists packages, file versions, blobs, and upload sessions.
// Every read-then-write of an upload session happens inside a transaction
// that first takes a FOR UPDATE lock on the session row; that lock is the
// serialization point for concurrent appends to the same upload.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a package repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, package_name, package_description, package_category,
       package_language, package_version, is_public, file_name, content_type,
       bytes_received, max_size_bytes, status, error_message,
       completed_file_version_id, created_at, updated_at`

func scanSession(row pgx.Row) (UploadSession, error) {
	var (
		s      UploadSession
		status string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PackageName,
		&s.PackageDescription,
		&s.PackageCategory,
		&s.PackageLanguage,
		&s.PackageVersion,
		&s.IsPublic,
		&s.FileName,
		&s.ContentType,
		&s.BytesReceived,
		&s.MaxSizeBytes,
		&status,
		&s.ErrorMessage,
		&s.CompletedVersionID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return UploadSession{}, err
	}
	s.Status = UploadStatus(status)
	return s, nil
}

// lockSession takes an exclusive row lock on the user's session for the
// remainder of the enclosing transaction.
func lockSession(ctx context.Context, tx pgx.Tx, uploadID string, userID uuid.UUID) (UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1 AND user_id = $2 FOR UPDATE;`
	s, err := scanSession(tx.QueryRow(ctx, query, uploadID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UploadSession{}, ErrUploadNotFound
		}
		return UploadSession{}, fmt.Errorf("lock upload session: %w", err)
	}
	return s, nil
}

// GetUploadSession fetches the user's session without locking it.
func (r *Repository) GetUploadSession(ctx context.Context, uploadID string, userID uuid.UUID) (UploadSession, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 AND user_id = $2;`,
		uploadID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UploadSession{}, ErrUploadNotFound
		}
		return UploadSession{}, fmt.Errorf("get upload session: %w", err)
	}
	return s, nil
}

// CreateUploadSession inserts a new PENDING session row.
func (r *Repository) CreateUploadSession(ctx context.Context, s UploadSession) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
INSERT INTO upload_sessions
    (id, user_id, package_name, package_description, package_category,
     package_language, package_version, is_public, file_name, content_type,
     bytes_received, max_size_bytes, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12);`

	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.UserID,
		s.PackageName,
		s.PackageDescription,
		s.PackageCategory,
		s.PackageLanguage,
		s.PackageVersion,
		s.IsPublic,
		s.FileName,
		s.ContentType,
		s.MaxSizeBytes,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}
	return nil
}

// BeginAppend checks writability and the expected offset under the session
// lock, then marks the session UPLOADING.
func (r *Repository) BeginAppend(ctx context.Context, uploadID string, userID uuid.UUID, expectedOffset int64) (UploadSession, error) {
	var session UploadSession
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, uploadID, userID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() || s.Status == StatusFinalizing {
			return fmt.Errorf("%w (status=%s)", ErrUploadNotWritable, s.Status)
		}
		if s.BytesReceived != expectedOffset {
			return fmt.Errorf("%w: expected=%d, provided=%d", ErrOffsetMismatch, s.BytesReceived, expectedOffset)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE upload_sessions SET status = $1, updated_at = NOW() WHERE id = $2;`,
			string(StatusUploading), uploadID); err != nil {
			return fmt.Errorf("mark session uploading: %w", err)
		}
		s.Status = StatusUploading
		session = s
		return nil
	})
	return session, err
}

// FinishAppend records the new byte offset after a successful append. The
// status is re-checked under the row lock: an append that finishes after the
// session was cancelled or failed must not resurrect it.
func (r *Repository) FinishAppend(ctx context.Context, uploadID string, userID uuid.UUID, newOffset int64) (UploadSession, error) {
	var session UploadSession
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, uploadID, userID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() || s.Status == StatusFinalizing {
			return fmt.Errorf("%w (status=%s)", ErrUploadNotWritable, s.Status)
		}
		if _, err := tx.Exec(ctx, `
UPDATE upload_sessions
SET bytes_received = $1, status = $2, error_message = NULL, updated_at = NOW()
WHERE id = $3;`,
			newOffset, string(StatusUploading), uploadID); err != nil {
			return fmt.Errorf("finish append: %w", err)
		}
		s.BytesReceived = newOffset
		s.Status = StatusUploading
		s.ErrorMessage = nil
		session = s
		return nil
	})
	return session, err
}

// FailUpload marks the session FAILED. A non-negative bytesReceived also
// repairs the recorded offset from storage ground truth.
func (r *Repository) FailUpload(ctx context.Context, uploadID string, userID uuid.UUID, bytesReceived int64, reason string) error {
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := lockSession(ctx, tx, uploadID, userID); err != nil {
			return err
		}
		var err error
		if bytesReceived >= 0 {
			_, err = tx.Exec(ctx, `
UPDATE upload_sessions
SET status = $1, error_message = $2, bytes_received = $3, updated_at = NOW()
WHERE id = $4;`,
				string(StatusFailed), reason, bytesReceived, uploadID)
		} else {
			_, err = tx.Exec(ctx, `
UPDATE upload_sessions
SET status = $1, error_message = $2, updated_at = NOW()
WHERE id = $3;`,
				string(StatusFailed), reason, uploadID)
		}
		if err != nil {
			return fmt.Errorf("fail upload: %w", err)
		}
		return nil
	})
}

// StartFinalize transitions the session to FINALIZING. If the session is
// already COMPLETED it is returned unchanged so the caller can replay the
// previous result idempotently.
func (r *Repository) StartFinalize(ctx context.Context, uploadID string, userID uuid.UUID) (UploadSession, error) {
	var session UploadSession
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, uploadID, userID)
		if err != nil {
			return err
		}
		switch s.Status {
		case StatusCompleted:
			session = s
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: session failed", ErrUploadFinalizing)
		case StatusFinalizing:
			return fmt.Errorf("%w: already finalizing", ErrUploadFinalizing)
		}
		if s.BytesReceived <= 0 {
			return fmt.Errorf("%w: upload contains no data", ErrValidation)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE upload_sessions SET status = $1, updated_at = NOW() WHERE id = $2;`,
			string(StatusFinalizing), uploadID); err != nil {
			return fmt.Errorf("mark session finalizing: %w", err)
		}
		s.Status = StatusFinalizing
		session = s
		return nil
	})
	return session, err
}

// CancelUpload marks a non-completed session FAILED with the given note.
func (r *Repository) CancelUpload(ctx context.Context, uploadID string, userID uuid.UUID, note string) error {
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, uploadID, userID)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			return ErrUploadCompleted
		}
		if _, err := tx.Exec(ctx, `
UPDATE upload_sessions
SET status = $1, error_message = $2, updated_at = NOW()
WHERE id = $3;`,
			string(StatusFailed), note, uploadID); err != nil {
			return fmt.Errorf("cancel upload: %w", err)
		}
		return nil
	})
}

const blobColumns = `id, checksum_sha256, size_bytes, storage_key, reference_count, created_at`

func scanBlob(row pgx.Row) (Blob, error) {
	var b Blob
	err := row.Scan(&b.ID, &b.Checksum, &b.SizeBytes, &b.StorageKey, &b.ReferenceCount, &b.CreatedAt)
	return b, err
}

// AcquireBlob looks up a blob by (checksum, size) and, when present,
// increments its reference count in the same transaction. The boolean
// reports whether a blob was found.
func (r *Repository) AcquireBlob(ctx context.Context, checksum string, sizeBytes int64) (Blob, bool, error) {
	var (
		blob  Blob
		found bool
	)
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		b, err := scanBlob(tx.QueryRow(ctx,
			`SELECT `+blobColumns+` FROM file_blobs WHERE checksum_sha256 = $1 AND size_bytes = $2 FOR UPDATE;`,
			checksum, sizeBytes))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find blob: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE file_blobs SET reference_count = reference_count + 1 WHERE id = $1;`, b.ID); err != nil {
			return fmt.Errorf("increment blob refcount: %w", err)
		}
		b.ReferenceCount++
		blob = b
		found = true
		return nil
	})
	return blob, found, err
}

// AdoptOrCreateBlob is called after a storage promotion. It adopts the row a
// concurrent winner may have inserted (incrementing its count) or creates a
// fresh row with reference count 1.
func (r *Repository) AdoptOrCreateBlob(ctx context.Context, checksum string, sizeBytes int64, storageKey string) (Blob, error) {
	var blob Blob
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		b, err := scanBlob(tx.QueryRow(ctx,
			`SELECT `+blobColumns+` FROM file_blobs WHERE checksum_sha256 = $1 AND size_bytes = $2 FOR UPDATE;`,
			checksum, sizeBytes))
		if err == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE file_blobs SET reference_count = reference_count + 1 WHERE id = $1;`, b.ID); err != nil {
				return fmt.Errorf("increment blob refcount: %w", err)
			}
			b.ReferenceCount++
			blob = b
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("find blob: %w", err)
		}

		b, err = scanBlob(tx.QueryRow(ctx, `
INSERT INTO file_blobs (checksum_sha256, size_bytes, storage_key, reference_count)
VALUES ($1, $2, $3, 1)
RETURNING `+blobColumns+`;`,
			checksum, sizeBytes, storageKey))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrBlobConflict
			}
			return fmt.Errorf("insert blob: %w", err)
		}
		blob = b
		return nil
	})
	return blob, err
}

// ReleaseBlobRef decrements a blob's reference count, clamping at zero.
func (r *Repository) ReleaseBlobRef(ctx context.Context, blobID int64) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx,
		`UPDATE file_blobs SET reference_count = GREATEST(reference_count - 1, 0) WHERE id = $1;`, blobID); err != nil {
		return fmt.Errorf("release blob ref: %w", err)
	}
	return nil
}

// GetBlob fetches a blob by identity pair.
func (r *Repository) GetBlob(ctx context.Context, checksum string, sizeBytes int64) (Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	b, err := scanBlob(r.pool.QueryRow(ctx,
		`SELECT `+blobColumns+` FROM file_blobs WHERE checksum_sha256 = $1 AND size_bytes = $2;`,
		checksum, sizeBytes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Blob{}, ErrBlobNotFound
		}
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}
	return b, nil
}

const versionColumns = `id, package_id, blob_id, file_name, content_type, version, size_bytes, checksum_sha256, download_count, created_at`

func scanVersion(row pgx.Row) (FileVersion, error) {
	var v FileVersion
	err := row.Scan(&v.ID, &v.PackageID, &v.BlobID, &v.FileName, &v.ContentType, &v.Version,
		&v.SizeBytes, &v.Checksum, &v.DownloadCount, &v.CreatedAt)
	return v, err
}

// CommitVersion finishes a successful finalize in one transaction: it
// upserts the package from the session's declared metadata, inserts the file
// version, and flips the session to COMPLETED. The version insert uses
// ON CONFLICT DO NOTHING; an empty result means the (package, version) pair
// already exists, which rolls the whole transaction back and surfaces
// ErrVersionExists for the caller to compensate.
func (r *Repository) CommitVersion(ctx context.Context, uploadID string, userID uuid.UUID, blobID int64, checksum string, sizeBytes int64) (FileVersion, error) {
	var version FileVersion
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, uploadID, userID)
		if err != nil {
			return err
		}

		var packageID int64
		err = tx.QueryRow(ctx, `
INSERT INTO software_packages (owner_id, name, description, category, language, is_public, latest_version)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (owner_id, name) DO UPDATE SET
    description    = EXCLUDED.description,
    category       = EXCLUDED.category,
    language       = EXCLUDED.language,
    is_public      = EXCLUDED.is_public,
    latest_version = EXCLUDED.latest_version,
    updated_at     = NOW()
RETURNING id;`,
			s.UserID, s.PackageName, s.PackageDescription, s.PackageCategory,
			s.PackageLanguage, s.IsPublic, s.PackageVersion).Scan(&packageID)
		if err != nil {
			return fmt.Errorf("upsert package: %w", err)
		}

		v, err := scanVersion(tx.QueryRow(ctx, `
INSERT INTO file_versions (package_id, blob_id, file_name, content_type, version, size_bytes, checksum_sha256)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (package_id, version) DO NOTHING
RETURNING `+versionColumns+`;`,
			packageID, blobID, s.FileName, s.ContentType, s.PackageVersion, sizeBytes, checksum))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrVersionExists
			}
			return fmt.Errorf("insert file version: %w", err)
		}

		if _, err := tx.Exec(ctx, `
UPDATE upload_sessions
SET status = $1, completed_file_version_id = $2, error_message = NULL, updated_at = NOW()
WHERE id = $3;`,
			string(StatusCompleted), v.ID, uploadID); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// TotalUploadedBytes sums the sizes of all file versions owned by the user.
func (r *Repository) TotalUploadedBytes(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var total int64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(fv.size_bytes), 0)
FROM file_versions fv
JOIN software_packages p ON p.id = fv.package_id
WHERE p.owner_id = $1;`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum uploaded bytes: %w", err)
	}
	return total, nil
}

const packageColumns = `id, owner_id, name, description, category, language, is_public, latest_version, created_at, updated_at`

func scanPackage(row pgx.Row) (Package, error) {
	var p Package
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Category, &p.Language,
		&p.IsPublic, &p.LatestVersion, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetPackage fetches a package by id.
func (r *Repository) GetPackage(ctx context.Context, packageID int64) (Package, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	p, err := scanPackage(r.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM software_packages WHERE id = $1;`, packageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrPackageNotFound
		}
		return Package{}, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

// ListPackages returns packages ordered by last update, optionally filtered
// by a language substring.
func (r *Repository) ListPackages(ctx context.Context, offset, limit int, language string) ([]Package, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `SELECT ` + packageColumns + ` FROM software_packages`
	args := []any{}
	if lang := strings.TrimSpace(language); lang != "" {
		query += ` WHERE language ILIKE $1`
		args = append(args, "%"+lang+"%")
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC OFFSET $%d LIMIT $%d;`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packages: %w", err)
	}
	return packages, nil
}

// ListVersions returns the most recent file versions of a package.
func (r *Repository) ListVersions(ctx context.Context, packageID int64, limit int) ([]FileVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM file_versions WHERE package_id = $1 ORDER BY created_at DESC LIMIT $2;`,
		packageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

// GetVersion fetches one file version by id.
func (r *Repository) GetVersion(ctx context.Context, versionID int64) (FileVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	v, err := scanVersion(r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM file_versions WHERE id = $1;`, versionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FileVersion{}, ErrVersionNotFound
		}
		return FileVersion{}, fmt.Errorf("get file version: %w", err)
	}
	return v, nil
}

// GetVersionForPackage fetches one file version scoped to its package.
func (r *Repository) GetVersionForPackage(ctx context.Context, packageID, versionID int64) (FileVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	v, err := scanVersion(r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM file_versions WHERE id = $1 AND package_id = $2;`,
		versionID, packageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FileVersion{}, ErrVersionNotFound
		}
		return FileVersion{}, fmt.Errorf("get file version: %w", err)
	}
	return v, nil
}

// IncrementDownloadCount bumps a version's download counter.
func (r *Repository) IncrementDownloadCount(ctx context.Context, versionID int64) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx,
		`UPDATE file_versions SET download_count = download_count + 1 WHERE id = $1;`, versionID); err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}

// DeletePackage removes a package, its file versions, and any blobs whose
// reference count reaches zero, all in one transaction. It returns the
// storage keys of fully orphaned blobs for physical cleanup after commit.
func (r *Repository) DeletePackage(ctx context.Context, packageID int64, ownerID uuid.UUID) ([]string, error) {
	var orphanedKeys []string
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		p, err := scanPackage(tx.QueryRow(ctx,
			`SELECT `+packageColumns+` FROM software_packages WHERE id = $1 FOR UPDATE;`, packageID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPackageNotFound
			}
			return fmt.Errorf("lock package: %w", err)
		}
		if p.OwnerID != ownerID {
			return ErrNotOwner
		}

		rows, err := tx.Query(ctx,
			`SELECT blob_id, COUNT(*) FROM file_versions WHERE package_id = $1 GROUP BY blob_id;`, packageID)
		if err != nil {
			return fmt.Errorf("collect version blobs: %w", err)
		}
		type blobRef struct {
			id    int64
			count int64
		}
		var refs []blobRef
		for rows.Next() {
			var ref blobRef
			if err := rows.Scan(&ref.id, &ref.count); err != nil {
				rows.Close()
				return fmt.Errorf("scan blob ref: %w", err)
			}
			refs = append(refs, ref)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate blob refs: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM file_versions WHERE package_id = $1;`, packageID); err != nil {
			return fmt.Errorf("delete file versions: %w", err)
		}

		for _, ref := range refs {
			var (
				remaining  int
				storageKey string
			)
			err := tx.QueryRow(ctx, `
UPDATE file_blobs
SET reference_count = GREATEST(reference_count - $1, 0)
WHERE id = $2
RETURNING reference_count, storage_key;`,
				ref.count, ref.id).Scan(&remaining, &storageKey)
			if err != nil {
				return fmt.Errorf("decrement blob refcount: %w", err)
			}
			if remaining == 0 {
				if _, err := tx.Exec(ctx, `DELETE FROM file_blobs WHERE id = $1;`, ref.id); err != nil {
					return fmt.Errorf("delete blob: %w", err)
				}
				orphanedKeys = append(orphanedKeys, storageKey)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM software_packages WHERE id = $1;`, packageID); err != nil {
			return fmt.Errorf("delete package: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphanedKeys, nil
}

// AdminSummary computes catalog totals and top-5 language/category counts.
func (r *Repository) AdminSummary(ctx context.Context) (AdminSummary, error) {
	var summary AdminSummary
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE NOT is_public)
FROM software_packages;`).Scan(&summary.TotalPackages, &summary.PrivatePackages)
		if err != nil {
			return fmt.Errorf("count packages: %w", err)
		}
		summary.PublicPackages = summary.TotalPackages - summary.PrivatePackages

		err = tx.QueryRow(ctx, `
SELECT COUNT(*), COALESCE(SUM(download_count), 0) FROM file_versions;`).
			Scan(&summary.TotalVersions, &summary.TotalDownloads)
		if err != nil {
			return fmt.Errorf("count versions: %w", err)
		}

		summary.TopLanguages, err = topCounts(ctx, tx, "language")
		if err != nil {
			return err
		}
		summary.TopCategories, err = topCounts(ctx, tx, "category")
		return err
	})
	return summary, err
}

func topCounts(ctx context.Context, tx pgx.Tx, column string) ([]CountItem, error) {
	// column is one of two fixed identifiers, never user input
	rows, err := tx.Query(ctx, fmt.Sprintf(`
SELECT %s, COUNT(*) FROM software_packages GROUP BY %s ORDER BY COUNT(*) DESC LIMIT 5;`, column, column))
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", column, err)
	}
	defer rows.Close()

	var items []CountItem
	for rows.Next() {
		var item CountItem
		if err := rows.Scan(&item.Label, &item.Count); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return items, nil
}

// AdminListPackages lists packages joined with their owners, optionally
// filtered to private packages or by a substring match on the owner's
// username, email, or full name.
func (r *Repository) AdminListPackages(ctx context.Context, offset, limit int, ownerQuery string, onlyPrivate bool) ([]AdminPackageItem, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
SELECT p.id, p.name, p.category, p.language, u.id, u.username, u.email,
       p.is_public, p.latest_version, p.created_at, p.updated_at
FROM software_packages p
JOIN users u ON u.id = p.owner_id`

	var (
		conds []string
		args  []any
	)
	if onlyPrivate {
		conds = append(conds, "NOT p.is_public")
	}
	if q := strings.TrimSpace(ownerQuery); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(u.username ILIKE $%d OR u.email ILIKE $%d OR COALESCE(u.full_name, '') ILIKE $%d)", n, n, n))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY p.updated_at DESC OFFSET $%d LIMIT $%d;", len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("admin list packages: %w", err)
	}
	defer rows.Close()

	var items []AdminPackageItem
	for rows.Next() {
		var item AdminPackageItem
		if err := rows.Scan(&item.PackageID, &item.Name, &item.Category, &item.Language,
			&item.OwnerID, &item.OwnerUsername, &item.OwnerEmail,
			&item.IsPublic, &item.LatestVersion, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan admin package: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin packages: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
