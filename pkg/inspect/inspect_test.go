package inspect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFormatInspector(t *testing.T) {
	dir := t.TempDir()
	fi := &FormatInspector{}

	t.Run("hdf5 signature is valid", func(t *testing.T) {
		path := writeFile(t, dir, "h5.nc", append([]byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}, []byte("payload")...))
		res, err := fi.Inspect(path)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Reason)
	})

	t.Run("netcdf classic signature is valid", func(t *testing.T) {
		path := writeFile(t, dir, "cdf.nc", append([]byte{'C', 'D', 'F', 0x01}, []byte("payload")...))
		res, err := fi.Inspect(path)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})

	t.Run("empty file is invalid", func(t *testing.T) {
		path := writeFile(t, dir, "empty.nc", nil)
		res, err := fi.Inspect(path)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "empty file", res.Reason)
	})

	t.Run("garbage signature is invalid", func(t *testing.T) {
		path := writeFile(t, dir, "garbage.nc", []byte("<html>not found</html>"))
		res, err := fi.Inspect(path)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "unrecognized file signature", res.Reason)
	})

	t.Run("size floor rejects short files", func(t *testing.T) {
		strict := &FormatInspector{MinSizeBytes: 1024}
		path := writeFile(t, dir, "short.nc", append([]byte{'C', 'D', 'F', 0x01}, []byte("tiny")...))
		res, err := strict.Inspect(path)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Reason, "below minimum")
	})

	t.Run("missing file returns error", func(t *testing.T) {
		_, err := fi.Inspect(filepath.Join(dir, "nope.nc"))
		assert.Error(t, err)
	})
}
