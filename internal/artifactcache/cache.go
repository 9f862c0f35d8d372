package artifactcache

import (
	"context"
	"errors"
)

// ErrPathMissing is returned by Save when one of the paths to archive does not exist.
var ErrPathMissing = errors.New("cache path missing")

// Cache is a content-addressed store of file trees.
type Cache interface {
	// Restore populates paths from the entry stored under key. A missing or
	// unusable entry reports found=false; it is a cold start, not a failure.
	Restore(ctx context.Context, key string, paths []string) (found bool, err error)

	// Save archives paths under key. Saving a key that already exists is a
	// no-op and never replaces the stored entry.
	Save(ctx context.Context, key string, paths []string) error
}
