package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/keyhold/keyhold/interfaces"
)

// FileAdapter stores one JSON record per identity under a base directory.
// Writes go through a temporary file and rename, so a reader never
// observes a partial record.
type FileAdapter struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileAdapter creates a file storage adapter rooted at baseDir,
// creating the directory if needed. Record files are created with mode
// 0600; the secrets inside are already sealed, but there is no reason to
// share them.
func NewFileAdapter(baseDir string, log *slog.Logger) (*FileAdapter, error) {
	entriesDir := filepath.Join(baseDir, "entries")
	if err := os.MkdirAll(entriesDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create entries directory: %w", err)
	}

	return &FileAdapter{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put atomically writes an entry record, overwriting any previous one.
func (b *FileAdapter) Put(ctx context.Context, entry interfaces.KeyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode key entry: %w", err)
	}

	finalPath := b.entryPath(entry.Identity)

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".entry-*")
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	b.log.Debug("Stored key entry", slog.String("path", finalPath), slog.Int("size", len(data)))
	return nil
}

// Get reads an entry record by identity.
func (b *FileAdapter) Get(ctx context.Context, id interfaces.Identity) (interfaces.KeyEntry, error) {
	data, err := os.ReadFile(b.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return interfaces.KeyEntry{}, interfaces.ErrUnknownIdentity
		}
		return interfaces.KeyEntry{}, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	var entry interfaces.KeyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("failed to decode key entry: %w", err)
	}
	return entry, nil
}

// Delete removes an entry record by identity.
func (b *FileAdapter) Delete(ctx context.Context, id interfaces.Identity) error {
	err := os.Remove(b.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return interfaces.ErrUnknownIdentity
		}
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

// List enumerates entry metadata, optionally filtered by kind.
func (b *FileAdapter) List(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	entriesDir := filepath.Join(b.baseDir, "entries")
	dirents, err := os.ReadDir(entriesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	infos := make([]interfaces.KeyInfo, 0, len(dirents))
	for _, dirent := range dirents {
		if dirent.IsDir() || strings.HasPrefix(dirent.Name(), ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(entriesDir, dirent.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted between readdir and read.
				continue
			}
			return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
		}

		var entry interfaces.KeyEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			b.log.Warn("Skipping undecodable key entry", slog.String("file", dirent.Name()), "err", err)
			continue
		}

		if kind != nil && entry.Kind != *kind {
			continue
		}
		infos = append(infos, entry.Info())
	}
	return infos, nil
}

// Available checks that the base directory exists.
func (b *FileAdapter) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File adapter unavailable", "err", err)
		return false
	}
	return true
}

// Name returns an identifier for logging.
func (b *FileAdapter) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI identifying this adapter.
func (b *FileAdapter) LocationURI() string {
	return b.locationURI
}

func (b *FileAdapter) entryPath(id interfaces.Identity) string {
	return filepath.Join(b.baseDir, "entries", id.String())
}
