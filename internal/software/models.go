package software

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UploadStatus enumerates the durable states of an upload session.
type UploadStatus string

const (
	StatusPending    UploadStatus = "PENDING"
	StatusUploading  UploadStatus = "UPLOADING"
	StatusFinalizing UploadStatus = "FINALIZING"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
)

// Terminal reports whether no further state transitions are possible.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Package is a named container of file versions owned by one user.
type Package struct {
	ID            int64      `json:"id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Category      string     `json:"category"`
	Language      string     `json:"language"`
	IsPublic      bool       `json:"is_public"`
	LatestVersion *string    `json:"latest_version,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FileVersion is an immutable, versioned artifact pointing at one Blob.
type FileVersion struct {
	ID            int64     `json:"id"`
	PackageID     int64     `json:"package_id"`
	BlobID        int64     `json:"-"`
	FileName      string    `json:"file_name"`
	ContentType   *string   `json:"content_type,omitempty"`
	Version       string    `json:"version"`
	SizeBytes     int64     `json:"size_bytes"`
	Checksum      string    `json:"checksum_sha256"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Blob is one deduplicated physical payload identified by (checksum, size).
type Blob struct {
	ID             int64
	Checksum       string
	SizeBytes      int64
	StorageKey     string
	ReferenceCount int
	CreatedAt      time.Time
}

// UploadSession tracks one in-flight or completed upload together with the
// package metadata declared at init time.
type UploadSession struct {
	ID                 string
	UserID             uuid.UUID
	PackageName        string
	PackageDescription string
	PackageCategory    string
	PackageLanguage    string
	PackageVersion     string
	IsPublic           bool
	FileName           string
	ContentType        *string
	BytesReceived      int64
	MaxSizeBytes       int64
	Status             UploadStatus
	ErrorMessage       *string
	CompletedVersionID *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UploadInitResult is returned from upload initialization.
type UploadInitResult struct {
	UploadID     string `json:"upload_id"`
	Offset       int64  `json:"offset"`
	MaxSizeBytes int64  `json:"max_size_bytes"`
}

// UploadAppendResult reflects the session state after a successful append.
type UploadAppendResult struct {
	UploadID string       `json:"upload_id"`
	Offset   int64        `json:"offset"`
	Status   UploadStatus `json:"status"`
}

// DownloadTicket resolves a file version to its blob's storage key.
type DownloadTicket struct {
	StorageKey  string
	FileName    string
	ContentType *string
	SizeBytes   int64
	Checksum    string
}

// CountItem is one entry of a top-N aggregate.
type CountItem struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// AdminSummary aggregates catalog totals for the admin dashboard.
type AdminSummary struct {
	TotalPackages   int64       `json:"total_packages"`
	PrivatePackages int64       `json:"private_packages"`
	PublicPackages  int64       `json:"public_packages"`
	TotalVersions   int64       `json:"total_versions"`
	TotalDownloads  int64       `json:"total_downloads"`
	TopLanguages    []CountItem `json:"top_languages"`
	TopCategories   []CountItem `json:"top_categories"`
}

// AdminPackageItem is a package row joined with its owner's identity.
type AdminPackageItem struct {
	PackageID     int64     `json:"package_id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Language      string    `json:"language"`
	OwnerID       uuid.UUID `json:"owner_id"`
	OwnerUsername string    `json:"owner_username"`
	OwnerEmail    string    `json:"owner_email"`
	IsPublic      bool      `json:"is_public"`
	LatestVersion *string   `json:"latest_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var allowedCategories = map[string]struct{}{
	"networking software":  {},
	"cracked software":     {},
	"student projects":     {},
	"desktop applications": {},
	"mobile application":   {},
}

var allowedExtensions = map[string]struct{}{
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {},
	".exe": {}, ".msi": {}, ".deb": {}, ".rpm": {}, ".whl": {},
}

// PackageDraft carries the metadata declared when an upload is initialized.
type PackageDraft struct {
	OwnerID     uuid.UUID
	Name        string
	Description string
	Category    string
	Language    string
	Version     string
	FileName    string
	ContentType *string
	IsPublic    bool
}

// Normalize trims the free-text fields and lowercases the category.
func (d PackageDraft) Normalize() PackageDraft {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.Category = strings.ToLower(strings.TrimSpace(d.Category))
	d.Language = strings.TrimSpace(d.Language)
	d.Version = strings.TrimSpace(d.Version)
	d.FileName = strings.TrimSpace(d.FileName)
	return d
}

// Validate checks required fields, the category allow-list, and the file
// extension allow-list.
func (d PackageDraft) Validate() error {
	if d.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: invalid package owner", ErrValidation)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: package name is required", ErrValidation)
	}
	if d.Description == "" {
		return fmt.Errorf("%w: package description is required", ErrValidation)
	}
	if d.Category == "" {
		return fmt.Errorf("%w: package category is required", ErrValidation)
	}
	if d.Language == "" {
		return fmt.Errorf("%w: package language is required", ErrValidation)
	}
	if d.Version == "" {
		return fmt.Errorf("%w: package version is required", ErrValidation)
	}
	if d.FileName == "" {
		return fmt.Errorf("%w: uploaded file name is required", ErrValidation)
	}
	if _, ok := allowedCategories[d.Category]; !ok {
		return fmt.Errorf("%w: unsupported package category", ErrValidation)
	}
	ext := strings.ToLower(path.Ext(d.FileName))
	if _, ok := allowedExtensions[ext]; !ok {
		return fmt.Errorf("%w: unsupported package file format", ErrValidation)
	}
	return nil
}

// VersionDraft validates the computed result of a finished upload.
type VersionDraft struct {
	Version   string
	Checksum  string
	SizeBytes int64
}

func (d VersionDraft) Validate() error {
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("%w: package version is required", ErrValidation)
	}
	if len(d.Checksum) != 64 {
		return fmt.Errorf("%w: SHA-256 checksum is required", ErrValidation)
	}
	if d.SizeBytes <= 0 {
		return fmt.Errorf("%w: package file is empty", ErrValidation)
	}
	return nil
}

// StorageKey derives the permanent object key for a checksum. The two-level
// sharding layout is a fixed convention shared with other deployments.
func StorageKey(checksum string) string {
	return fmt.Sprintf("blobs/%s/%s", checksum[:2], checksum)
}
