package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/rs/zerolog"
)

// AzureConfig holds Azure Blob Storage settings. Authentication is tried in
// the order connection string, SAS token, shared key, managed identity.
type AzureConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // e.g. an Azurite URL
}

// AzureOpener reads blobs with ranged downloads.
type AzureOpener struct {
	client    *azblob.Client
	container string
	blockSize int64
	logger    zerolog.Logger
}

func NewAzureOpener(cfg *AzureConfig, blockSize int64, logger zerolog.Logger) (*AzureOpener, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-source").Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.SASToken != "":
		client, err = azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", credErr)
		}
		client, err = azblob.NewClient(endpoint, cred, nil)
	default:
		return nil, fmt.Errorf("no valid Azure authentication method configured")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	log.Info().Str("container", cfg.ContainerName).Msg("Azure blob source ready")
	return &AzureOpener{client: client, container: cfg.ContainerName, blockSize: blockSize, logger: log}, nil
}

func (o *AzureOpener) Open(ctx context.Context, name string) (Reader, error) {
	path := strings.TrimPrefix(name, "/")
	bc := o.client.ServiceClient().NewContainerClient(o.container).NewBlobClient(path)

	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, o.container, path)
		}
		return nil, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}

	o.logger.Debug().Str("blob", path).Int64("size", size).Msg("Opened blob")
	return newRangeReader(ctx, size, o.blockSize, func(ctx context.Context, off, n int64) ([]byte, error) {
		resp, err := bc.DownloadStream(ctx, &blob.DownloadStreamOptions{
			Range: blob.HTTPRange{Offset: off, Count: n},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read blob %s at %d: %w", path, off, err)
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	}), nil
}

func (o *AzureOpener) Type() string { return "azure" }

func (o *AzureOpener) Close() error { return nil }

func isAzureNotFoundError(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return err != nil && strings.Contains(err.Error(), "BlobNotFound")
}
