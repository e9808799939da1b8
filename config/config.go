package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cyverse/imagecache/work"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	defaultDiskTTL             time.Duration = 7 * 24 * time.Hour
	defaultSweepInterval       time.Duration = 10 * time.Minute
	defaultCompactionThreshold int           = 1000
	defaultMemoryCapacity      int64         = 64 * 1024 * 1024
	defaultDecodeSessions      int           = 16
	defaultHTTPRetryMax        int           = 3
	defaultHTTPTimeout         time.Duration = 30 * time.Second
	defaultLogLevel            string        = "info"
)

// Config is the configuration of the image cache. It is built once at start and passed to components.
type Config struct {
	CacheRootPath       string        `yaml:"cache_root_path"`
	DiskTTL             time.Duration `yaml:"disk_ttl"`
	DiskMaxEntries      int           `yaml:"disk_max_entries"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	CompactionThreshold int           `yaml:"compaction_threshold"`

	MemoryCapacity int64 `yaml:"memory_capacity"`
	MaxParallelism int   `yaml:"max_parallelism"`
	DecodeSessions int   `yaml:"decode_sessions"`

	HTTPRetryMax int           `yaml:"http_retry_max"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`

	Sources []SourceMapping `yaml:"sources"`

	LogLevel string `yaml:"log_level"`
}

// GetDefaultCacheRootPath returns the default disk cache directory
func GetDefaultCacheRootPath() string {
	return filepath.Join(os.TempDir(), "imagecache")
}

// NewDefaultConfig returns a default config
func NewDefaultConfig() *Config {
	return &Config{
		CacheRootPath:       GetDefaultCacheRootPath(),
		DiskTTL:             defaultDiskTTL,
		DiskMaxEntries:      0,
		SweepInterval:       defaultSweepInterval,
		CompactionThreshold: defaultCompactionThreshold,

		MemoryCapacity: defaultMemoryCapacity,
		MaxParallelism: 0,
		DecodeSessions: defaultDecodeSessions,

		HTTPRetryMax: defaultHTTPRetryMax,
		HTTPTimeout:  defaultHTTPTimeout,

		Sources: []SourceMapping{},

		LogLevel: defaultLogLevel,
	}
}

// NewConfigFromYAML creates Config from YAML, on top of the defaults
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal YAML to config: %w", err)
	}

	return config, nil
}

// NewConfigFromFile creates Config from a YAML file
func NewConfigFromFile(path string) (*Config, error) {
	yamlBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config file %s: %w", path, err)
	}

	return NewConfigFromYAML(yamlBytes)
}

// ToYAML returns YAML of the config
func (config *Config) ToYAML() ([]byte, error) {
	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal config to YAML: %w", err)
	}
	return yamlBytes, nil
}

// GetParallelism returns the number of concurrent loads
func (config *Config) GetParallelism() int {
	if config.MaxParallelism <= 0 {
		return work.DefaultParallelism()
	}
	return config.MaxParallelism
}

// GetLogLevel returns the logrus level of LogLevel, info if it does not parse
func (config *Config) GetLogLevel() log.Level {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Validate validates configuration
func (config *Config) Validate() error {
	if len(config.CacheRootPath) == 0 {
		return xerrors.Errorf("cache root path must be given")
	}

	if config.DiskTTL <= 0 {
		return xerrors.Errorf("disk ttl must be positive")
	}

	if config.DiskMaxEntries < 0 {
		return xerrors.Errorf("disk max entries must not be negative")
	}

	if config.SweepInterval < 0 {
		return xerrors.Errorf("sweep interval must not be negative")
	}

	if config.CompactionThreshold < 0 {
		return xerrors.Errorf("compaction threshold must not be negative")
	}

	if config.MemoryCapacity <= 0 {
		return xerrors.Errorf("memory capacity must be positive")
	}

	if config.DecodeSessions <= 0 {
		return xerrors.Errorf("decode sessions must be positive")
	}

	if config.HTTPRetryMax < 0 {
		return xerrors.Errorf("http retry max must not be negative")
	}

	if _, err := log.ParseLevel(config.LogLevel); err != nil {
		return xerrors.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}

	if len(config.Sources) > 0 {
		if err := ValidateSourceMappings(config.Sources); err != nil {
			return err
		}
	}

	return nil
}
