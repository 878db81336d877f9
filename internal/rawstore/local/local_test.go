package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.Put(context.Background(), "run-1/0001.json", []byte(`{"data":{}}`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "run-1", "0001.json"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "0001.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{}}`, string(data))
}

func TestPutRejectsEscape(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../outside.json", []byte("x"))
	require.ErrorContains(t, err, "escapes base directory")
}

func TestNewCreatesMissingDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "responses")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
