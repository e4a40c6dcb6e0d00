package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalOpener opens files from the local filesystem. With a base path set,
// names are resolved beneath it and may not escape it.
type LocalOpener struct {
	basePath string
	logger   zerolog.Logger
}

func NewLocalOpener(basePath string, logger zerolog.Logger) (*LocalOpener, error) {
	o := &LocalOpener{logger: logger.With().Str("component", "local-source").Logger()}
	if basePath != "" {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base path: %w", err)
		}
		o.basePath = abs
	}
	return o, nil
}

func (o *LocalOpener) Open(ctx context.Context, name string) (Reader, error) {
	path, err := o.resolve(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", name)
	}

	o.logger.Debug().Str("path", path).Int64("size", info.Size()).Msg("Opened file")
	return &fileReader{File: f, size: info.Size()}, nil
}

func (o *LocalOpener) Type() string { return "local" }

func (o *LocalOpener) Close() error { return nil }

// resolve applies the base path and rejects traversal outside it.
func (o *LocalOpener) resolve(name string) (string, error) {
	if o.basePath == "" {
		return filepath.Clean(name), nil
	}

	full, err := filepath.Abs(filepath.Join(o.basePath, filepath.Clean("/"+name)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	rel, err := filepath.Rel(o.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q escapes base directory", name)
	}
	return full, nil
}

type fileReader struct {
	*os.File
	size int64
}

func (r *fileReader) Size() int64 { return r.size }
