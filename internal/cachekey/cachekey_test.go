package cachekey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCompute(t *testing.T) {
	t.Run("identical contents produce identical keys", func(t *testing.T) {
		dir := t.TempDir()
		a := writeFile(t, dir, "env.yml", "dependencies:\n  - snakemake\n")
		b := writeFile(t, dir, "env-r.yml", "dependencies:\n  - r-base\n")

		k1, err := Compute(a, b)
		require.NoError(t, err)
		k2, err := Compute(a, b)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1.String(), 64)
	})

	t.Run("paths do not participate", func(t *testing.T) {
		a := writeFile(t, t.TempDir(), "env.yml", "same")
		b := writeFile(t, t.TempDir(), "other-name.yml", "same")

		k1, err := Compute(a)
		require.NoError(t, err)
		k2, err := Compute(b)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
	})

	t.Run("any content change changes the key", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "env.yml", "python=3.10")
		before, err := Compute(path)
		require.NoError(t, err)

		writeFile(t, dir, "env.yml", "python=3.11")
		after, err := Compute(path)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("order and framing matter", func(t *testing.T) {
		dir := t.TempDir()
		a := writeFile(t, dir, "a", "ab")
		b := writeFile(t, dir, "b", "c")
		c := writeFile(t, dir, "c", "a")
		d := writeFile(t, dir, "d", "bc")

		ab, err := Compute(a, b)
		require.NoError(t, err)
		ba, err := Compute(b, a)
		require.NoError(t, err)
		cd, err := Compute(c, d)
		require.NoError(t, err)

		assert.NotEqual(t, ab, ba)
		assert.NotEqual(t, ab, cd, "concatenation 'abc' must not collide across file boundaries")
	})

	t.Run("missing file is unreadable", func(t *testing.T) {
		dir := t.TempDir()
		a := writeFile(t, dir, "env.yml", "x")
		_, err := Compute(a, filepath.Join(dir, "missing.yml"))
		assert.ErrorIs(t, err, ErrSpecUnreadable)
	})

	t.Run("directory and empty input are unreadable", func(t *testing.T) {
		_, err := Compute(t.TempDir())
		assert.ErrorIs(t, err, ErrSpecUnreadable)

		_, err = Compute()
		assert.ErrorIs(t, err, ErrSpecUnreadable)
	})
}

func TestKeyHelpers(t *testing.T) {
	k := Key("0123456789abcdef0123")
	assert.Equal(t, "0123456789ab", k.Short())
	assert.Equal(t, "tiny", Key("tiny").Short())
	assert.Equal(t, "lcdb-wf-"+k.String(), ForEnvironment("lcdb-wf", k))
}
