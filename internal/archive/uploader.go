// Package archive copies stored audit records to object storage and purges
// archived records past their retention.
package archive

import (
	"context"
	"fmt"
	"strings"

	"duck-audit/internal/domain"
)

// Uploader writes one archive object.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
	// Location names the destination in logs, e.g. "s3://bucket".
	Location() string
}

// Storage providers.
const (
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// Settings selects and configures the archive destinations.
type Settings struct {
	Providers []string
	Bucket    string // bucket, or container for Azure
	Prefix    string

	S3Endpoint string
	S3Region   string
	S3KeyID    string
	S3Secret   string
	S3URLStyle string // "path" or "vhost"

	GCSKeyFile string

	AzureAccountName string
	AzureAccountKey  string

	// EncryptionKey is a hex AES-256 key; when set, objects are sealed.
	EncryptionKey string
}

// Enabled reports whether any destination is configured.
func (s Settings) Enabled() bool { return len(s.Providers) > 0 }

// NewUploaders builds one uploader per configured provider.
func NewUploaders(ctx context.Context, s Settings) ([]Uploader, error) {
	if s.Bucket == "" && s.Enabled() {
		return nil, domain.ErrValidation("archive bucket is required")
	}
	var out []Uploader
	for _, p := range s.Providers {
		var (
			u   Uploader
			err error
		)
		switch strings.ToLower(strings.TrimSpace(p)) {
		case ProviderS3:
			u, err = NewS3Uploader(s)
		case ProviderGCS:
			u, err = NewGCSUploader(ctx, s)
		case ProviderAzure:
			u, err = NewAzureUploader(s)
		default:
			err = domain.ErrValidation("unknown archive provider %q", p)
		}
		if err != nil {
			return nil, fmt.Errorf("archive provider %s: %w", p, err)
		}
		out = append(out, u)
	}
	return out, nil
}
