package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/stretchr/testify/require"
)

// WriteFiles creates every file in files below root, making parent
// directories as needed, and returns root.
func WriteFiles(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// Context returns a context carrying a debug logger writing to w. With
// BGGO_TEST_LOGS=true the log is also echoed through t.Log when the test ends.
func Context(t *testing.T, w io.Writer) context.Context {
	t.Helper()
	buf := &SafeBuffer{}
	if w == nil {
		w = io.Discard
	}
	handler := slog.NewTextHandler(io.MultiWriter(w, buf), &slog.HandlerOptions{Level: slog.LevelDebug})
	if os.Getenv("BGGO_TEST_LOGS") == "true" {
		t.Cleanup(func() { t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String()) })
	}
	return ctxlog.WithLogger(context.Background(), slog.New(handler))
}
