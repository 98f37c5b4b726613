package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Models    ModelsConfig    `yaml:"models"`
	Separate  SeparateConfig  `yaml:"separate"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

// ModelsConfig locates weight files and bag manifests.
type ModelsConfig struct {
	Dir     string `yaml:"dir"`
	BagDir  string `yaml:"bag_dir"` // defaults to dir
	Default string `yaml:"default"`
	// Checksum is the hash named by checksummed file names: "sha256" or "blake2b".
	Checksum string       `yaml:"checksum"`
	Remote   RemoteConfig `yaml:"remote"`
}

// RemoteConfig selects a remote model store. When URL or S3.Bucket is set,
// weight files are downloaded into CacheDir instead of read from Dir.
type RemoteConfig struct {
	URL      string   `yaml:"url"`
	S3       S3Config `yaml:"s3"`
	Index    string   `yaml:"index"`
	CacheDir string   `yaml:"cache_dir"`
}

// Enabled reports whether a remote store is configured.
func (r RemoteConfig) Enabled() bool {
	return r.URL != "" || r.S3.Bucket != ""
}

// S3Config holds S3 bucket settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SeparateConfig holds separation engine settings.
type SeparateConfig struct {
	Shifts int `yaml:"shifts"`
	// Segment is the segment length in seconds; 0 uses the model's own.
	Segment float64 `yaml:"segment"`
	// Split disables segmentation when false.
	Split   bool    `yaml:"split"`
	Overlap float64 `yaml:"overlap"`
	Workers int     `yaml:"workers"`
	Devices int     `yaml:"devices"`
	// MaxShift is the largest random shift per pass, in seconds.
	MaxShift  float64 `yaml:"max_shift"`
	Seed      uint64  `yaml:"seed"`
	Normalize bool    `yaml:"normalize"`
}

// OutputConfig holds stem export settings.
type OutputConfig struct {
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
	Clip     string `yaml:"clip"` // "rescale", "clamp" or "none"
	BitDepth int    `yaml:"bit_depth"`
	// Float32 writes IEEE float WAV; BitDepth is ignored.
	Float32  bool   `yaml:"float32"`
	TwoStems string `yaml:"two_stems"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Traces         string `yaml:"traces"` // "none", "stdout" or "otlp"
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostem")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the default weight file directory.
func DefaultModelsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "gostem", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Models: ModelsConfig{
			Dir:      DefaultModelsDir(),
			Default:  "demo",
			Checksum: "sha256",
			Remote: RemoteConfig{
				Index:    "files.txt",
				CacheDir: filepath.Join(home, ".cache", "gostem", "models"),
			},
		},
		Separate: SeparateConfig{
			Shifts:    1,
			Split:     true,
			Overlap:   0.25,
			MaxShift:  0.5,
			Normalize: true,
		},
		Output: OutputConfig{
			Dir:      "separated",
			Filename: "{track}/{stem}.{ext}",
			Clip:     "rescale",
			BitDepth: 16,
		},
		Telemetry: TelemetryConfig{
			Traces: "none",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in directory settings is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	cfg.Models.Dir = expandTilde(cfg.Models.Dir)
	cfg.Models.BagDir = expandTilde(cfg.Models.BagDir)
	cfg.Models.Remote.CacheDir = expandTilde(cfg.Models.Remote.CacheDir)
	cfg.Output.Dir = expandTilde(cfg.Output.Dir)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.Wrap(err, "creating config dir")
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", errors.Wrap(err, "encoding default config")
	}
	header := "# gostem configuration\n# See `gostem --help` for the flags overriding these values.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", errors.Wrap(err, "writing config file")
	}
	return path, nil
}

// BagDir returns the bag manifest directory, defaulting to the models dir.
func (c *Config) BagDir() string {
	if c.Models.BagDir != "" {
		return c.Models.BagDir
	}
	return c.Models.Dir
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Models.Dir == "" && !c.Models.Remote.Enabled() {
		return errors.New("models.dir must not be empty")
	}

	switch c.Models.Checksum {
	case "", "sha256", "blake2b":
	default:
		return errors.Newf("models.checksum must be \"sha256\" or \"blake2b\", got %q", c.Models.Checksum)
	}

	if r := c.Models.Remote; r.Enabled() {
		if r.URL != "" && r.S3.Bucket != "" {
			return errors.New("models.remote: set either url or s3.bucket, not both")
		}
		if r.CacheDir == "" {
			return errors.New("models.remote.cache_dir must not be empty")
		}
		if (r.S3.AccessKey == "") != (r.S3.SecretKey == "") {
			return errors.New("models.remote.s3: access_key and secret_key must be set together")
		}
	}

	s := c.Separate
	if s.Shifts < 1 {
		return errors.Newf("separate.shifts must be >= 1, got %d", s.Shifts)
	}
	if s.Segment < 0 {
		return errors.Newf("separate.segment must be >= 0, got %g", s.Segment)
	}
	if s.Overlap < 0 || s.Overlap >= 1 {
		return errors.Newf("separate.overlap must be in [0, 1), got %g", s.Overlap)
	}
	if s.Workers < 0 {
		return errors.Newf("separate.workers must be >= 0, got %d", s.Workers)
	}
	if s.Devices < 0 {
		return errors.Newf("separate.devices must be >= 0, got %d", s.Devices)
	}
	if s.MaxShift < 0 {
		return errors.Newf("separate.max_shift must be >= 0, got %g", s.MaxShift)
	}

	if c.Output.Filename == "" || !strings.Contains(c.Output.Filename, "{stem}") {
		return errors.Newf("output.filename must contain {stem}, got %q", c.Output.Filename)
	}
	switch c.Output.Clip {
	case "rescale", "clamp", "none":
	default:
		return errors.Newf("output.clip must be rescale, clamp, or none, got %q", c.Output.Clip)
	}
	switch c.Output.BitDepth {
	case 16, 24:
	default:
		return errors.Newf("output.bit_depth must be 16 or 24, got %d", c.Output.BitDepth)
	}

	switch c.Telemetry.Traces {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when traces is \"otlp\"")
		}
	default:
		return errors.Newf("telemetry.traces must be none, stdout, or otlp, got %q", c.Telemetry.Traces)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
