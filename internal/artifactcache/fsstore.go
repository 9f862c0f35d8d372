package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/burstgridci/internal/ctxlog"
)

const entryExt = ".tar.zst"

// FSStore keeps cache entries as archive files in a local directory.
type FSStore struct {
	dir string
}

// NewFSStore returns a store rooted at dir, creating the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) entryPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+entryExt), nil
}

// Restore implements Cache.
func (s *FSStore) Restore(ctx context.Context, key string, paths []string) (bool, error) {
	logger := ctxlog.FromContext(ctx).With("cache_key", key)

	entry, err := s.entryPath(key)
	if err != nil {
		return false, err
	}
	f, err := os.Open(entry)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("Cache miss.")
		return false, nil
	}
	if err != nil {
		logger.Warn("Cache entry unreadable, treating as miss.", "error", err)
		return false, nil
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := extractArchive(f, paths); err != nil {
		logger.Warn("Cache entry could not be extracted, treating as miss.", "error", err)
		return false, nil
	}
	logger.Debug("Cache hit.", "entry", entry)
	return true, nil
}

// Save implements Cache. The archive is written to a temporary file and then
// hard-linked to its final name, which fails rather than replacing an entry
// that another writer published first.
func (s *FSStore) Save(ctx context.Context, key string, paths []string) error {
	logger := ctxlog.FromContext(ctx).With("cache_key", key)

	entry, err := s.entryPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(entry); err == nil {
		logger.Debug("Cache entry already present, skipping save.")
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, paths); err != nil {
		tmp.Close()
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Link(tmp.Name(), entry); err != nil {
		if errors.Is(err, fs.ErrExist) {
			logger.Debug("Cache entry published concurrently, keeping existing one.")
			return nil
		}
		return fmt.Errorf("publishing entry %s: %w", key, err)
	}
	logger.Debug("Cache entry saved.", "entry", entry)
	return nil
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}
