package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkingInvariance(t *testing.T) {
	payload := bytes.Repeat([]byte("pkgvault"), 4096)
	want := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(want[:])

	splits := [][]int{
		{len(payload)},
		{1, len(payload) - 1},
		{13, 1024, 7, len(payload) - 13 - 1024 - 7},
		{len(payload) / 2, len(payload) - len(payload)/2},
	}

	for _, sizes := range splits {
		acc := New()
		rest := payload
		for _, n := range sizes {
			if _, err := acc.Write(rest[:n]); err != nil {
				t.Fatalf("write: %v", err)
			}
			rest = rest[n:]
		}
		require.Equal(t, wantHex, acc.SumHex())
		require.Equal(t, int64(len(payload)), acc.BytesSeen())
	}
}

func TestEmptyWritesIgnored(t *testing.T) {
	acc := New()
	if _, err := acc.Write(nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := acc.Write([]byte{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if acc.BytesSeen() != 0 {
		t.Fatalf("expected zero bytes seen, got %d", acc.BytesSeen())
	}
	empty := sha256.Sum256(nil)
	require.Equal(t, hex.EncodeToString(empty[:]), acc.SumHex())
}

func TestHashReader(t *testing.T) {
	payload := []byte("some package bytes")
	want := sha256.Sum256(payload)

	sum, size, err := HashReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("HashReader returned error: %v", err)
	}
	require.Equal(t, hex.EncodeToString(want[:]), sum)
	require.Equal(t, int64(len(payload)), size)
}
