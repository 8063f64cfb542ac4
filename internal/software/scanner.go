package software

import (
	"context"
	"fmt"
	"io"
)

// MalwareScanner inspects a payload stream before it is admitted into the
// permanent namespace. Implementations must fully consume or explicitly
// discard the stream, and return an error to reject the upload.
type MalwareScanner interface {
	ScanStream(ctx context.Context, r io.Reader, fileName string, contentType *string) error
}

// NoopScanner accepts everything. It drains the stream so callers do not
// need to special-case scanners that ignore the payload.
type NoopScanner struct{}

func (NoopScanner) ScanStream(_ context.Context, r io.Reader, _ string, _ *string) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("drain scan stream: %w", err)
	}
	return nil
}
