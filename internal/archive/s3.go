package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"duck-audit/internal/domain"
)

var _ Uploader = (*S3Uploader)(nil)

// S3Uploader writes archive objects to S3-compatible storage.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader creates an uploader with static credentials. Path-style
// addressing is used unless S3URLStyle is "vhost".
func NewS3Uploader(s Settings) (*S3Uploader, error) {
	if s.S3KeyID == "" || s.S3Secret == "" || s.S3Region == "" {
		return nil, domain.ErrValidation("S3 key id, secret and region are required")
	}

	opts := s3.Options{
		Region:       s.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(s.S3KeyID, s.S3Secret, ""),
		UsePathStyle: s.S3URLStyle != "vhost",
	}
	if s.S3Endpoint != "" {
		endpoint := s.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return &S3Uploader{client: s3.New(opts), bucket: s.Bucket}, nil
}

// Upload puts one object.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// Location returns the bucket URI.
func (u *S3Uploader) Location() string { return "s3://" + u.bucket }
