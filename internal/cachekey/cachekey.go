// Package cachekey derives stable cache keys from the contents of environment
// specification files.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrSpecUnreadable is returned when a specification file cannot be read.
// A partial key could silently reuse an incompatible environment, so callers
// must abort instead of falling back.
var ErrSpecUnreadable = errors.New("spec file unreadable")

// Key is the hex encoded SHA-256 digest of an ordered set of spec files.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// Short returns an abbreviated form of the key for log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// Compute reads every file in order and digests its contents. Only bytes and
// order participate: each file is framed by its position and length so that
// moving content between files always yields a different key.
func Compute(paths ...string) (Key, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: no spec files given", ErrSpecUnreadable)
	}

	h := sha256.New()
	for i, path := range paths {
		if err := hashFile(h, i, path); err != nil {
			return "", err
		}
	}
	return Key(hex.EncodeToString(h.Sum(nil))), nil
}

func hashFile(h io.Writer, index int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpecUnreadable, path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpecUnreadable, path, err)
	}
	if stat.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSpecUnreadable, path)
	}

	fmt.Fprintf(h, "specfile:%d:%d\n", index, stat.Size())
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpecUnreadable, path, err)
	}
	if n != stat.Size() {
		return fmt.Errorf("%w: %s changed while being read", ErrSpecUnreadable, path)
	}
	return nil
}

// ForEnvironment names the cache entry of an environment. The environment name
// is part of the entry so that two environments built from identical specs
// never share a tree.
func ForEnvironment(name string, key Key) string {
	return fmt.Sprintf("%s-%s", name, key)
}
