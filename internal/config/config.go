// Package config loads and exposes application configuration (TOML).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultBufferSize       = 65536 // 64k
	DefaultKeyLength        = 9
	DefaultTempDirName      = "imgscalr"
	DefaultKeyAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	DefaultWorkers          = 4
	DefaultUploadTimeout    = "2m"
	DefaultMaxPixels        = 100_000_000
	DefaultTransferEncoding = "base64"
	DefaultStorageDriver    = "s3"
	DefaultBucket           = "i.imgscalr.com"
	DefaultBaseURL          = "http://" + DefaultBucket
	DefaultRegion           = "us-east-1"
	DefaultJanitorSchedule  = "@every 1h"
	DefaultJanitorThreshold = "1h"
	DefaultNotifyDriver     = "none"
	DefaultNotifyTimeout    = "30s"
	DefaultSMTPPort         = 587
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "imgscalr"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
	Upload  UploadConfig  `toml:"upload"`
	Storage StorageConfig `toml:"storage"`
	Janitor JanitorConfig `toml:"janitor"`
	Notify  NotifyConfig  `toml:"notify"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// UploadConfig drives the upload pipeline.
type UploadConfig struct {
	TempDir                 string            `toml:"temp_dir"`
	BufferSize              int               `toml:"buffer_size"`
	KeyLength               int               `toml:"key_length"`
	KeyAlphabet             string            `toml:"key_alphabet"`
	Workers                 int               `toml:"workers"`
	Timeout                 string            `toml:"timeout"`
	MaxPixels               int64             `toml:"max_pixels"`
	TransferEncoding        string            `toml:"transfer_encoding"`
	RetainOriginalOnFailure bool              `toml:"retain_original_on_failure"`
	Variants                []VariantConfig   `toml:"variants"`
	MimeTypes               map[string]string `toml:"mime_types"`
}

// VariantConfig is one row of the variant size table.
type VariantConfig struct {
	Label  string `toml:"label"`
	Suffix string `toml:"suffix"`
	Width  int    `toml:"width"`
}

// StorageConfig selects and configures the remote object store.
type StorageConfig struct {
	Driver          string `toml:"driver"`
	Bucket          string `toml:"bucket"`
	BaseURL         string `toml:"base_url"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
	Root            string `toml:"root"`
}

// JanitorConfig holds the temp dir cleanup schedule.
type JanitorConfig struct {
	Enabled   bool   `toml:"enabled"`
	Schedule  string `toml:"schedule"`
	Threshold string `toml:"threshold"`
}

// NotifyConfig holds the upload notification mail settings.
type NotifyConfig struct {
	Driver  string        `toml:"driver"`
	From    string        `toml:"from"`
	To      []string      `toml:"to"`
	Timeout string        `toml:"timeout"`
	SMTP    SMTPConfig    `toml:"smtp"`
	Mailgun MailgunConfig `toml:"mailgun"`
}

// SMTPConfig holds SMTP relay parameters.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// MailgunConfig holds Mailgun API parameters.
type MailgunConfig struct {
	Domain  string `toml:"domain"`
	APIKey  string `toml:"api_key"`
	APIBase string `toml:"api_base"`
}

// MetricsConfig holds the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

// DefaultVariants returns the stock variant table, ascending by width.
func DefaultVariants() []VariantConfig {
	return []VariantConfig{
		{Label: "thumbnail", Suffix: "T", Width: 150},
		{Label: "small", Suffix: "S", Width: 250},
		{Label: "medium", Suffix: "M", Width: 500},
		{Label: "large", Suffix: "L", Width: 1024},
		{Label: "xlarge", Suffix: "XL", Width: 1280},
		{Label: "xxlarge", Suffix: "XXL", Width: 1600},
		{Label: "xxxlarge", Suffix: "XXXL", Width: 1920},
	}
}

// DefaultMimeTypes returns the extension to content type table used when a
// client omits x-file-type. "PNG" maps to image/jpeg in the production data
// this table was taken from; it is kept as-is until the owner confirms.
func DefaultMimeTypes() map[string]string {
	return map[string]string{
		"jpg":  "image/jpeg",
		"JPG":  "image/jpeg",
		"jpeg": "image/jpeg",
		"JPEG": "image/jpeg",
		"png":  "image/png",
		"PNG":  "image/jpeg",
		"GIF":  "image/gif",
		"gif":  "image/gif",
		"BMP":  "image/bmp",
		"bmp":  "image/bmp",
	}
}

// Defaults returns a Config populated with every default value.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Upload: UploadConfig{
			TempDir:                 DefaultTempDir(),
			BufferSize:              DefaultBufferSize,
			KeyLength:               DefaultKeyLength,
			KeyAlphabet:             DefaultKeyAlphabet,
			Workers:                 DefaultWorkers,
			Timeout:                 DefaultUploadTimeout,
			MaxPixels:               DefaultMaxPixels,
			TransferEncoding:        DefaultTransferEncoding,
			RetainOriginalOnFailure: true,
		},
		Storage: StorageConfig{
			Driver:  DefaultStorageDriver,
			Bucket:  DefaultBucket,
			BaseURL: DefaultBaseURL,
			Region:  DefaultRegion,
		},
		Janitor: JanitorConfig{
			Enabled:   true,
			Schedule:  DefaultJanitorSchedule,
			Threshold: DefaultJanitorThreshold,
		},
		Notify: NotifyConfig{
			Driver:  DefaultNotifyDriver,
			Timeout: DefaultNotifyTimeout,
			SMTP: SMTPConfig{
				Port: DefaultSMTPPort,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      DefaultMetricsPath,
			Namespace: DefaultMetricsNamespace,
		},
	}
}

// DefaultTempDir is a dedicated directory under the system temp dir. The
// janitor sweeps it, so it must not be shared with other programs.
func DefaultTempDir() string {
	return filepath.Join(os.TempDir(), DefaultTempDirName)
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg.fill()
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fill applies defaults to the table-valued fields TOML leaves empty.
func (c *Config) fill() {
	if len(c.Upload.Variants) == 0 {
		c.Upload.Variants = DefaultVariants()
	}
	if len(c.Upload.MimeTypes) == 0 {
		c.Upload.MimeTypes = DefaultMimeTypes()
	}
}

// Validate checks the variant table and the pipeline bounds.
func (c Config) Validate() error {
	if c.Upload.BufferSize <= 0 {
		return errors.New("upload.buffer_size must be greater than 0")
	}
	if c.Upload.KeyLength <= 0 {
		return errors.New("upload.key_length must be greater than 0")
	}
	if strings.TrimSpace(c.Upload.KeyAlphabet) == "" {
		return errors.New("upload.key_alphabet is required")
	}
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		return errors.New("storage.bucket is required")
	}
	seen := make(map[string]struct{}, len(c.Upload.Variants))
	seenSuffix := make(map[string]struct{}, len(c.Upload.Variants))
	prev := 0
	for i, v := range c.Upload.Variants {
		if strings.TrimSpace(v.Label) == "" || strings.TrimSpace(v.Suffix) == "" {
			return fmt.Errorf("upload.variants[%d]: label and suffix are required", i)
		}
		if v.Label == "original" {
			return fmt.Errorf("upload.variants[%d]: label %q is reserved", i, v.Label)
		}
		if _, ok := seen[v.Label]; ok {
			return fmt.Errorf("upload.variants[%d]: duplicate label %q", i, v.Label)
		}
		seen[v.Label] = struct{}{}
		if _, ok := seenSuffix[v.Suffix]; ok {
			return fmt.Errorf("upload.variants[%d]: duplicate suffix %q", i, v.Suffix)
		}
		seenSuffix[v.Suffix] = struct{}{}
		if v.Width <= prev {
			return fmt.Errorf("upload.variants[%d]: widths must be positive and strictly ascending", i)
		}
		prev = v.Width
	}
	return nil
}
