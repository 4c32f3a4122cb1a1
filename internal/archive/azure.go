package archive

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"duck-audit/internal/domain"
)

var _ Uploader = (*AzureUploader)(nil)

// AzureUploader writes archive objects to an Azure Blob Storage container.
type AzureUploader struct {
	client    *azblob.Client
	account   string
	container string
}

// NewAzureUploader creates an uploader authenticated with the account key.
func NewAzureUploader(s Settings) (*AzureUploader, error) {
	if s.AzureAccountName == "" || s.AzureAccountKey == "" {
		return nil, domain.ErrValidation("Azure account name and key are required")
	}
	cred, err := azblob.NewSharedKeyCredential(s.AzureAccountName, s.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", s.AzureAccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureUploader{client: client, account: s.AzureAccountName, container: s.Bucket}, nil
}

// Upload writes one block blob.
func (u *AzureUploader) Upload(ctx context.Context, key string, body []byte) error {
	if _, err := u.client.UploadBuffer(ctx, u.container, key, body, nil); err != nil {
		return fmt.Errorf("upload az://%s/%s: %w", u.container, key, err)
	}
	return nil
}

// Location returns the container URI.
func (u *AzureUploader) Location() string {
	return fmt.Sprintf("az://%s@%s", u.container, u.account)
}
