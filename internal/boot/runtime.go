// Package boot provides runtime configuration derived once at startup.
package boot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/imgscalr/internal/config"
)

// RuntimeConfig holds parsed runtime settings (server address, temp dir, timeouts).
// Values may be overridden by environment variables (HTTP_ADDR, IMGSCALR_TMP_DIR).
type RuntimeConfig struct {
	ServerAddr       string
	TempDir          string
	TempDirReadOnly  bool
	UploadTimeout    time.Duration
	JanitorThreshold time.Duration
	NotifyTimeout    time.Duration
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config and applies env overrides.
// The temp dir is created if missing and probed for writability exactly once.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	uploadTimeout, err := parseDuration("upload.timeout", cfg.Upload.Timeout)
	if err != nil {
		return nil, err
	}
	threshold, err := parseDuration("janitor.threshold", cfg.Janitor.Threshold)
	if err != nil {
		return nil, err
	}
	notifyTimeout, err := parseDuration("notify.timeout", cfg.Notify.Timeout)
	if err != nil {
		return nil, err
	}

	ret := &RuntimeConfig{
		ServerAddr:       cfg.Server.Addr,
		TempDir:          cfg.Upload.TempDir,
		UploadTimeout:    uploadTimeout,
		JanitorThreshold: threshold,
		NotifyTimeout:    notifyTimeout,
	}

	if value := os.Getenv("HTTP_ADDR"); value != "" {
		ret.ServerAddr = value
	}
	if value := os.Getenv("IMGSCALR_TMP_DIR"); value != "" {
		ret.TempDir = value
	}
	if strings.TrimSpace(ret.TempDir) == "" {
		return nil, errors.New("upload temp dir is required")
	}

	ret.TempDirReadOnly = !probeWritable(ret.TempDir)
	return ret, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// probeWritable creates and removes a marker file in dir.
func probeWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".imgscalr-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return true
}
