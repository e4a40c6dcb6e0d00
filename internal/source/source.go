// Package source resolves file names to seekable readers. It is the host
// reader capability the storage adapter is built on: a reader only needs to
// seek, read and report its total length.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a name does not resolve to an object.
	ErrNotFound = errors.New("source: object not found")

	// ErrClosed is returned by reads on a closed reader.
	ErrClosed = errors.New("source: reader closed")
)

// Reader is a sized, seekable byte source. Readers are not safe for
// concurrent use.
type Reader interface {
	io.Reader
	io.Seeker
	io.Closer

	// Size is the total length in bytes, fixed for the life of the reader.
	Size() int64
}

// Opener resolves names to readers.
type Opener interface {
	Open(ctx context.Context, name string) (Reader, error)
	Type() string
	Close() error
}

// DefaultBlockSize is the fetch granularity of remote readers.
const DefaultBlockSize int64 = 256 * 1024

// Config selects and configures an Opener.
type Config struct {
	Backend    string // local, s3, azure or memory
	LocalPath  string
	BlockSize  int64
	S3         S3Config
	Azure      AzureConfig
	Resilience *ResilientConfig
}

// New builds the Opener named by cfg.Backend. Remote backends are wrapped
// with retries and a circuit breaker.
func New(cfg Config, logger zerolog.Logger) (Opener, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalOpener(cfg.LocalPath, logger)
	case "memory":
		return NewMemoryOpener(), nil
	case "s3", "minio":
		o, err := NewS3Opener(&cfg.S3, cfg.BlockSize, logger)
		if err != nil {
			return nil, err
		}
		return NewResilient(o, cfg.Resilience, logger), nil
	case "azure", "azblob":
		o, err := NewAzureOpener(&cfg.Azure, cfg.BlockSize, logger)
		if err != nil {
			return nil, err
		}
		return NewResilient(o, cfg.Resilience, logger), nil
	default:
		return nil, fmt.Errorf("source: unsupported backend %q", cfg.Backend)
	}
}
