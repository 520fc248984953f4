package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "verbose", "text")
	assert.Error(t, err)
}

func TestTargetLogTeesToFile(t *testing.T) {
	var console bytes.Buffer
	base, err := New(&console, "info", "text")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "logs", "9913_GCA_000003055.3_release.log")
	tl, err := OpenTargetLog(base, path, "taxonomy", 9913)
	require.NoError(t, err)

	tl.Logger.Info("snapshot complete", "collections", 8)
	tl.Logger.Debug("only in file")
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "snapshot complete")
	assert.Contains(t, string(data), "only in file")
	assert.Contains(t, string(data), "taxonomy=9913")
	assert.Contains(t, console.String(), "snapshot complete")
	assert.NotContains(t, console.String(), "only in file")
}
