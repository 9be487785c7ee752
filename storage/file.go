package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// FileBackend archives content on the local file system, one directory per
// namespace.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates the base directory and one subdirectory per
// namespace.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, ns := range []interfaces.Namespace{interfaces.NamespaceAuditEvents, interfaces.NamespaceMintReceipts} {
		if err := os.MkdirAll(filepath.Join(baseDir, ns.String()), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ns, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads content by id. Returns ErrContentNotFound for unknown ids.
func (b *FileBackend) Fetch(_ context.Context, id interfaces.ContentID, ns interfaces.Namespace) ([]byte, error) {
	filePath := b.filePath(id, ns)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file", slog.String("path", filePath), slog.Int("size", len(data)))
	return data, nil
}

// Store writes data under its content id. Storing the same data twice is a
// no-op rewrite.
func (b *FileBackend) Store(_ context.Context, data []byte, ns interfaces.Namespace) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.filePath(id, ns)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o640); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file", slog.String("path", filePath), slog.String("content_id", id.Short()))
	return id, nil
}

// Available reports whether the base directory exists.
func (b *FileBackend) Available(context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, ns interfaces.Namespace) string {
	return filepath.Join(b.baseDir, ns.String(), id.String())
}
