package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackAndUnpackRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.EmptyFilePath(), nil, 0o644))

	srcDir := t.TempDir()
	inputFile := filepath.Join(srcDir, "payload.txt")
	require.NoError(t, os.WriteFile(inputFile, []byte("hello device"), 0o644))

	tarPath := filepath.Join(t.TempDir(), "input.tar")
	require.NoError(t, PackInput(cfg, []string{inputFile}, tarPath))

	info, err := os.Stat(tarPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	destDir := t.TempDir()
	require.NoError(t, UnpackOutput(tarPath, destDir))

	extracted, err := os.ReadFile(filepath.Join(destDir, "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello device", string(extracted))

	_, err = os.Stat(filepath.Join(destDir, config.EmptyFilename()))
	assert.True(t, os.IsNotExist(err), "sentinel file must be excluded from extraction")
}

func TestPackInputWithNoFilesStillProducesArchive(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.EmptyFilePath(), nil, 0o644))

	tarPath := filepath.Join(t.TempDir(), "input.tar")
	require.NoError(t, PackInput(cfg, nil, tarPath))

	info, err := os.Stat(tarPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
