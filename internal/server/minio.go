package server

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"acsm-bridge/internal/config"
)

// acsmContentType is the registered media type of ADEPT vouchers.
const acsmContentType = "application/vnd.adobe.adept+xml"

// VoucherArchive keeps a copy of every uploaded .acsm voucher.
type VoucherArchive interface {
	Store(ctx context.Context, key string, voucher []byte) error
	Ping(ctx context.Context) error
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// voucherKey names the archived object, partitioned by day.
func voucherKey(id fmt.Stringer, at time.Time) string {
	at = at.UTC()
	return path.Join("vouchers", at.Format("2006"), at.Format("01"), at.Format("02"), id.String()+".acsm")
}

// MinioArchive stores vouchers in an S3-compatible bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to the bucket in cfg and checks that it exists.
func NewMinioArchive(ctx context.Context, cfg config.S3Config) (*MinioArchive, error) {
	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	a := &MinioArchive{client: client, bucket: cfg.Bucket}
	if err := a.Ping(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MinioArchive) Store(ctx context.Context, key string, voucher []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(voucher), int64(len(voucher)),
		minio.PutObjectOptions{ContentType: acsmContentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Ping fails unless the bucket exists and is reachable.
func (a *MinioArchive) Ping(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("minio bucket does not exist: %s", a.bucket)
	}
	return nil
}
