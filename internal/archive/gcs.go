package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"duck-audit/internal/domain"
)

var _ Uploader = (*GCSUploader)(nil)

// GCSUploader writes archive objects to Google Cloud Storage.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates an uploader authenticated with a service account key file.
func NewGCSUploader(ctx context.Context, s Settings) (*GCSUploader, error) {
	if s.GCSKeyFile == "" {
		return nil, domain.ErrValidation("GCS key file is required")
	}
	client, err := storage.NewClient(ctx, option.WithAuthCredentialsFile(option.ServiceAccount, s.GCSKeyFile))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSUploader{client: client, bucket: s.Bucket}, nil
}

// Upload writes one object.
func (u *GCSUploader) Upload(ctx context.Context, key string, body []byte) error {
	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", u.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish gs://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// Location returns the bucket URI.
func (u *GCSUploader) Location() string { return "gs://" + u.bucket }
