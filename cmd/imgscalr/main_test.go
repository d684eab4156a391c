package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/memohai/imgscalr/internal/config"
	"github.com/memohai/imgscalr/internal/storage/fsstore"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Upload.TempDir = t.TempDir()
	cfg.Upload.Variants = config.DefaultVariants()
	cfg.Upload.MimeTypes = config.DefaultMimeTypes()
	cfg.Storage.Driver = "fs"
	cfg.Storage.Root = t.TempDir()
	return cfg
}

func TestAppGraphIsComplete(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, fx.ValidateApp(fx.Supply(cfg), pipelineModule, serverModule))
}

func TestProvideStoreFactory(t *testing.T) {
	cfg := testConfig(t)
	factory, err := provideStoreFactory(cfg)
	require.NoError(t, err)
	store, err := factory(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &fsstore.Store{}, store)

	cfg.Storage.Driver = "ftp"
	_, err = provideStoreFactory(cfg)
	assert.Error(t, err)
}

func TestProvideMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	res, err := provideMetrics(cfg)
	require.NoError(t, err)
	assert.NotNil(t, res.Observer)
	assert.Nil(t, provideMetricsHandler(cfg, res.Gatherer))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "imgscalr ")
}

func TestProcessKeepsLogsOffStdout(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "photo.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 300, 200))))
	require.NoError(t, f.Close())

	cfgPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[upload]
temp_dir = %q

[storage]
driver = "fs"
root = %q

[metrics]
enabled = false
`, t.TempDir(), t.TempDir())
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"process", "--config", cfgPath, imgPath})
	require.NoError(t, cmd.Execute())

	var result map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result), stdout.String())
	assert.Equal(t, true, result["success"])
	assert.Contains(t, stderr.String(), "upload processed")
}
