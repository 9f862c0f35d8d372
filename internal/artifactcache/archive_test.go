package artifactcache

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// craftArchive builds a tar+zstd stream from hand-written headers, bypassing
// writeArchive so extraction can be fed entries it would never produce.
func craftArchive(t *testing.T, entries []*tar.Header, contents map[string]string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	enc, err := zstd.NewWriter(buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	for _, hdr := range entries {
		var body string
		if hdr.Typeflag == tar.TypeReg {
			body = contents[hdr.Name]
			hdr.Size = int64(len(body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if body != "" {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	return buf
}

func TestWriteArchive_ClosesStreamOnError(t *testing.T) {
	src := buildTree(t, filepath.Join(t.TempDir(), "env"), map[string]string{"bin/tool": "#!/bin/sh\n"})

	buf := &bytes.Buffer{}
	err := writeArchive(buf, []string{src, filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, ErrPathMissing)

	// Closing the encoder flushes what was already written as a complete frame.
	dec, err := zstd.NewReader(buf)
	require.NoError(t, err)
	defer dec.Close()
	data, err := io.ReadAll(dec)
	require.NoError(t, err)

	hdr, err := tar.NewReader(bytes.NewReader(data)).Next()
	require.NoError(t, err)
	assert.Equal(t, "0/", hdr.Name)
}

func TestExtractArchive_RejectsWritesThroughSymlinks(t *testing.T) {
	testCases := []struct {
		name    string
		entries func(outside string) []*tar.Header
	}{
		{
			name: "file below an extracted symlink",
			entries: func(outside string) []*tar.Header {
				return []*tar.Header{
					{Name: "0/", Typeflag: tar.TypeDir, Mode: 0o755},
					{Name: "0/link", Typeflag: tar.TypeSymlink, Linkname: outside},
					{Name: "0/link/evil", Typeflag: tar.TypeReg, Mode: 0o644},
				}
			},
		},
		{
			name: "directory below an extracted symlink",
			entries: func(outside string) []*tar.Header {
				return []*tar.Header{
					{Name: "0/", Typeflag: tar.TypeDir, Mode: 0o755},
					{Name: "0/link", Typeflag: tar.TypeSymlink, Linkname: outside},
					{Name: "0/link/evil/", Typeflag: tar.TypeDir, Mode: 0o755},
				}
			},
		},
		{
			name: "file replacing an extracted symlink",
			entries: func(outside string) []*tar.Header {
				return []*tar.Header{
					{Name: "0/", Typeflag: tar.TypeDir, Mode: 0o755},
					{Name: "0/evil", Typeflag: tar.TypeSymlink, Linkname: filepath.Join(outside, "evil")},
					{Name: "0/evil", Typeflag: tar.TypeReg, Mode: 0o644},
				}
			},
		},
		{
			name: "root entry that is a symlink",
			entries: func(outside string) []*tar.Header {
				return []*tar.Header{
					{Name: "0", Typeflag: tar.TypeSymlink, Linkname: outside},
					{Name: "0/evil", Typeflag: tar.TypeReg, Mode: 0o644},
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outside := t.TempDir()
			archive := craftArchive(t, tc.entries(outside), map[string]string{
				"0/link/evil": "pwned",
				"0/evil":      "pwned",
			})
			dst := filepath.Join(t.TempDir(), "env")

			err := extractArchive(archive, []string{dst})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unsafe archive entry")
			assert.NoFileExists(t, filepath.Join(outside, "evil"))
			assert.NoDirExists(t, filepath.Join(outside, "evil"))
			assert.NoDirExists(t, dst)

			matches, err := filepath.Glob(filepath.Join(filepath.Dir(dst), ".env.restore-*"))
			require.NoError(t, err)
			assert.Empty(t, matches, "staging directories must be removed")
		})
	}
}

func TestExtractArchive_KeepsSymlinksInsideTheTree(t *testing.T) {
	src := buildTree(t, filepath.Join(t.TempDir(), "env"), map[string]string{"lib/libz.so.1": "elf"})
	require.NoError(t, os.Symlink("libz.so.1", filepath.Join(src, "lib", "libz.so")))

	buf := &bytes.Buffer{}
	require.NoError(t, writeArchive(buf, []string{src}))

	dst := filepath.Join(t.TempDir(), "env")
	require.NoError(t, extractArchive(buf, []string{dst}))

	link, err := os.Readlink(filepath.Join(dst, "lib", "libz.so"))
	require.NoError(t, err)
	assert.Equal(t, "libz.so.1", link)
	assert.Equal(t, map[string]string{"lib/libz.so.1": "elf"}, readTree(t, dst))
}
