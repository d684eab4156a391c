package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultBufferSize, cfg.Upload.BufferSize)
	assert.Equal(t, DefaultKeyLength, cfg.Upload.KeyLength)
	assert.Equal(t, DefaultBucket, cfg.Storage.Bucket)
	assert.Equal(t, "http://i.imgscalr.com", cfg.Storage.BaseURL)
	assert.True(t, cfg.Upload.RetainOriginalOnFailure)
	assert.Equal(t, filepath.Join(os.TempDir(), "imgscalr"), cfg.Upload.TempDir)
	assert.NotEqual(t, os.TempDir(), cfg.Upload.TempDir)
	assert.Len(t, cfg.Upload.Variants, 7)
	assert.Equal(t, "image/jpeg", cfg.Upload.MimeTypes["PNG"])
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[log]
level = "debug"

[upload]
workers = 2

[[upload.variants]]
label = "thumbnail"
suffix = "T"
width = 100

[[upload.variants]]
label = "large"
suffix = "L"
width = 800

[storage]
driver = "fs"
root = "/srv/cdn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Upload.Workers)
	assert.Equal(t, DefaultBufferSize, cfg.Upload.BufferSize)
	require.Len(t, cfg.Upload.Variants, 2)
	assert.Equal(t, 800, cfg.Upload.Variants[1].Width)
	assert.Equal(t, "fs", cfg.Storage.Driver)
	assert.Equal(t, DefaultBucket, cfg.Storage.Bucket)
	assert.NotEmpty(t, cfg.Upload.MimeTypes)
}

func TestValidateVariants(t *testing.T) {
	cases := []struct {
		name     string
		variants []VariantConfig
		wantErr  bool
	}{
		{name: "defaults", variants: DefaultVariants()},
		{name: "descending", variants: []VariantConfig{{"a", "A", 500}, {"b", "B", 250}}, wantErr: true},
		{name: "equal widths", variants: []VariantConfig{{"a", "A", 250}, {"b", "B", 250}}, wantErr: true},
		{name: "duplicate label", variants: []VariantConfig{{"a", "A", 100}, {"a", "B", 250}}, wantErr: true},
		{name: "duplicate suffix", variants: []VariantConfig{{"a", "T", 100}, {"b", "T", 250}}, wantErr: true},
		{name: "missing suffix", variants: []VariantConfig{{"a", "", 100}}, wantErr: true},
		{name: "reserved label", variants: []VariantConfig{{"original", "O", 100}}, wantErr: true},
		{name: "zero width", variants: []VariantConfig{{"a", "A", 0}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Upload.Variants = tc.variants
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
