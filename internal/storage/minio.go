package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/abduss/pkgvault/internal/config"
)

const bucketSetupTimeout = 5 * time.Second

// ConnectObjectStore dials MinIO and guarantees the package bucket exists,
// returning a client ready to serve the remote blob backend. Creating a
// bucket that already exists races harmlessly with concurrent instances:
// the loser's error is swallowed by the follow-up existence check.
func ConnectObjectStore(ctx context.Context, cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(objectStoreEndpoint(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, bucketSetupTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			if again, checkErr := client.BucketExists(ctx, cfg.Bucket); checkErr != nil || !again {
				return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
			}
		}
	}

	return client, nil
}

// objectStoreEndpoint appends the standard MinIO API port when the
// configured endpoint carries none.
func objectStoreEndpoint(raw string) string {
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw
	}
	return net.JoinHostPort(raw, "9000")
}
