package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jurisq/lexharvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plainfile")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "civil/12345.pdf", "application/pdf",
			bytes.NewReader([]byte("%PDF-1.4")))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(tempDir, "civil/12345.pdf"), uri)

		content, err := os.ReadFile(filepath.Join(tempDir, "civil/12345.pdf"))
		require.NoError(t, err)
		require.Equal(t, []byte("%PDF-1.4"), content)
	})

	t.Run("PrefixBecomesSubdirectory", func(t *testing.T) {
		dir := t.TempDir()
		prefixed, err := local.New(local.Config{BaseDir: dir, Prefix: "documents"})
		require.NoError(t, err)

		uri, err := prefixed.PutObject(context.Background(), "12345.pdf", "application/pdf",
			bytes.NewReader([]byte("%PDF-1.4")))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(dir, "documents", "12345.pdf"), uri)

		_, err = os.Stat(filepath.Join(dir, "documents", "12345.pdf"))
		require.NoError(t, err)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "application/pdf", bytes.NewReader(nil))
		require.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.pdf", "application/pdf",
			bytes.NewReader([]byte("x")))
		require.Error(t, err)
		require.Contains(t, err.Error(), "traversal")
	})
}
