package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Local stores temp uploads and permanent objects under a root directory on
// the local filesystem. Temp objects live in <root>/tmp/<uploadID>.part,
// permanent objects under <root>/objects/<storageKey>.
type Local struct {
	tempRoot   string
	objectRoot string
}

// NewLocal creates the temp and object directories under root.
func NewLocal(root string) (*Local, error) {
	l := &Local{
		tempRoot:   filepath.Join(root, "tmp"),
		objectRoot: filepath.Join(root, "objects"),
	}
	for _, dir := range []string{l.tempRoot, l.objectRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return l, nil
}

func (l *Local) tempPath(uploadID string) string {
	return filepath.Join(l.tempRoot, uploadID+".part")
}

// objectPath resolves a storage key inside the object root. Keys are derived
// from checksums but are never trusted as path input: absolute keys and
// parent-directory segments are rejected outright.
func (l *Local) objectPath(storageKey string) (string, error) {
	if storageKey == "" || path.IsAbs(storageKey) || filepath.IsAbs(storageKey) {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(storageKey, "/") {
		if segment == ".." || segment == "" {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(l.objectRoot, filepath.FromSlash(storageKey)), nil
}

// InitUpload creates (or truncates) the temp object for the upload id.
func (l *Local) InitUpload(_ context.Context, uploadID string) error {
	f, err := os.Create(l.tempPath(uploadID))
	if err != nil {
		return fmt.Errorf("init upload %s: %w", uploadID, err)
	}
	return f.Close()
}

// AppendUploadChunk appends the chunk at the current end of the temp object.
func (l *Local) AppendUploadChunk(_ context.Context, uploadID string, chunk []byte) error {
	f, err := os.OpenFile(l.tempPath(uploadID), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", uploadID, err)
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		return fmt.Errorf("append upload %s: %w", uploadID, err)
	}
	return f.Close()
}

// UploadSize returns the temp object length, or 0 when it does not exist.
func (l *Local) UploadSize(_ context.Context, uploadID string) (int64, error) {
	info, err := os.Stat(l.tempPath(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat upload %s: %w", uploadID, err)
	}
	return info.Size(), nil
}

// OpenUpload streams [start, end] of the temp object.
func (l *Local) OpenUpload(_ context.Context, uploadID string, start, end int64) (io.ReadCloser, error) {
	rc, err := openRange(l.tempPath(uploadID), start, end)
	if os.IsNotExist(err) {
		return nil, ErrUploadMissing
	}
	return rc, err
}

// AbortUpload removes the temp object; removing an absent object is a no-op.
func (l *Local) AbortUpload(_ context.Context, uploadID string) error {
	if err := os.Remove(l.tempPath(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("abort upload %s: %w", uploadID, err)
	}
	return nil
}

// PromoteUpload moves the temp object to the permanent namespace. The hard
// link fails with EEXIST if the key is already present, which is the
// authoritative create-if-absent signal for concurrent promotions of
// identical content.
func (l *Local) PromoteUpload(_ context.Context, uploadID, storageKey string) (bool, error) {
	src := l.tempPath(uploadID)
	dst, err := l.objectPath(storageKey)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return false, ErrUploadMissing
		}
		return false, fmt.Errorf("stat upload %s: %w", uploadID, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("create object dir: %w", err)
	}

	if err := os.Link(src, dst); err != nil {
		if os.IsExist(err) {
			_ = os.Remove(src)
			return false, nil
		}
		return false, fmt.Errorf("promote upload %s: %w", uploadID, err)
	}
	if err := os.Remove(src); err != nil {
		return true, fmt.Errorf("remove promoted temp %s: %w", uploadID, err)
	}
	return true, nil
}

// OpenObject streams [start, end] of a permanent object.
func (l *Local) OpenObject(_ context.Context, storageKey string, start, end int64) (io.ReadCloser, error) {
	p, err := l.objectPath(storageKey)
	if err != nil {
		return nil, err
	}
	return openRange(p, start, end)
}

// ObjectSize returns the permanent object's length.
func (l *Local) ObjectSize(_ context.Context, storageKey string) (int64, error) {
	p, err := l.objectPath(storageKey)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", storageKey, err)
	}
	return info.Size(), nil
}

// DeleteObject removes a permanent object; absent objects are a no-op.
func (l *Local) DeleteObject(_ context.Context, storageKey string) error {
	p, err := l.objectPath(storageKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", storageKey, err)
	}
	return nil
}

type rangeReader struct {
	io.Reader
	f *os.File
}

func (r *rangeReader) Close() error { return r.f.Close() }

func openRange(path string, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek to %d: %w", start, err)
		}
	}
	var reader io.Reader = f
	if end >= 0 {
		reader = io.LimitReader(f, end-start+1)
	}
	return &rangeReader{Reader: reader, f: f}, nil
}
