package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Accumulator computes a running SHA-256 digest and byte count over a
// sequence of chunks. It never buffers previously seen data, so it is safe
// to feed multi-gigabyte payloads through it.
type Accumulator struct {
	hasher hash.Hash
	seen   int64
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{hasher: sha256.New()}
}

// Write feeds a chunk into the digest. It implements io.Writer so the
// accumulator can sit inside an io.TeeReader or io.MultiWriter.
func (a *Accumulator) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	a.hasher.Write(p)
	a.seen += int64(len(p))
	return len(p), nil
}

// SumHex returns the lowercase hex digest of everything written so far.
func (a *Accumulator) SumHex() string {
	return hex.EncodeToString(a.hasher.Sum(nil))
}

// BytesSeen returns the total number of bytes written so far.
func (a *Accumulator) BytesSeen() int64 {
	return a.seen
}

// HashReader consumes r to EOF and returns its hex digest and size.
func HashReader(r io.Reader) (string, int64, error) {
	acc := New()
	if _, err := io.Copy(acc, r); err != nil {
		return "", 0, err
	}
	return acc.SumHex(), acc.BytesSeen(), nil
}
