package artifactcache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// writeArchive streams every path into w. Path i is stored under the entry
// prefix "i", which keeps the archive independent of where the trees live.
func writeArchive(w io.Writer, paths []string) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	// The encoder holds goroutines and buffers until it is closed, so every
	// return below closes it.
	for i, root := range paths {
		if _, err := os.Lstat(root); err != nil {
			enc.Close()
			return fmt.Errorf("%w: %s", ErrPathMissing, root)
		}
		if err := addTree(tw, strconv.Itoa(i), root); err != nil {
			enc.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("closing tar stream: %w", err)
	}
	return enc.Close()
}

func addTree(tw *tar.Writer, prefix, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = path.Join(prefix, filepath.ToSlash(rel))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		// Timestamps and ownership must not leak into the archive.
		hdr.ModTime = time.Unix(0, 0)
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// extractArchive unpacks r, placing entry prefix i at paths[i]. Each tree is
// extracted next to its destination first and moved into place afterwards.
func extractArchive(r io.Reader, paths []string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	staging := make([]string, len(paths))
	defer func() {
		for _, s := range staging {
			if s != "" {
				os.RemoveAll(s)
			}
		}
	}()
	for i, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		dir, err := os.MkdirTemp(filepath.Dir(p), "."+filepath.Base(p)+".restore-*")
		if err != nil {
			return err
		}
		staging[i] = dir
	}

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		root, target, err := entryTarget(hdr.Name, staging)
		if err != nil {
			return err
		}
		if err := checkNoSymlink(root, target); err != nil {
			return fmt.Errorf("unsafe archive entry %q: %w", hdr.Name, err)
		}
		if err := writeEntry(tr, hdr, target); err != nil {
			return err
		}
	}

	for i, p := range paths {
		src := filepath.Join(staging[i], "tree")
		if _, err := os.Lstat(src); err != nil {
			return fmt.Errorf("archive has no entry for %s", p)
		}
		if err := os.RemoveAll(p); err != nil {
			return err
		}
		if err := os.Rename(src, p); err != nil {
			return err
		}
	}
	return nil
}

// entryTarget maps an archive entry name to the staging tree it belongs to
// and the path it is extracted to.
func entryTarget(name string, staging []string) (root, target string, err error) {
	name = strings.TrimSuffix(name, "/")
	idx, rest, _ := strings.Cut(name, "/")
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= len(staging) {
		return "", "", fmt.Errorf("unexpected archive entry %q", name)
	}
	clean := path.Clean("/" + rest)
	if rest != "" && clean != "/"+rest {
		return "", "", fmt.Errorf("unsafe archive entry %q", name)
	}
	root = filepath.Join(staging[i], "tree")
	return root, filepath.Join(root, filepath.FromSlash(rest)), nil
}

// checkNoSymlink fails when target, or any directory between root and
// target, is a symlink extracted by an earlier entry. Writing through it
// could land outside the staging tree.
func checkNoSymlink(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return err
	}
	cur := root
	parts := strings.Split(rel, string(filepath.Separator))
	for i := 0; i <= len(parts); i++ {
		if i > 0 {
			cur = filepath.Join(cur, parts[i-1])
		}
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("path crosses symlink %s", cur)
		}
	}
	return nil
}

func writeEntry(r io.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(hdr.Mode).Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unsupported archive entry type %q for %s", hdr.Typeflag, hdr.Name)
	}
}
