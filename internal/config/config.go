// Package config loads waloy's configuration from defaults, an optional
// YAML file, and environment variables, in that order of increasing
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/waloyerr"
)

// S3Config names the bucket and connection details for the object store.
type S3Config struct {
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	PathStyle bool   `koanf:"path_style"`
}

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json|console
}

// Config is the full set of options the replication engine and CLI read.
type Config struct {
	DBPath             string        `koanf:"db_path"`
	S3                 S3Config      `koanf:"s3"`
	SyncInterval       time.Duration `koanf:"sync_interval"`
	SnapshotInterval   time.Duration `koanf:"snapshot_interval"`
	RetentionDuration  time.Duration `koanf:"retention_duration"`
	CompactThreshold   int           `koanf:"compact_threshold"`
	CompactTargetCount int           `koanf:"compact_target_count"`
	MaxRetries         int           `koanf:"max_retries"`
	ChunkSize          int64         `koanf:"chunk_size"`
	AutoRestore        bool          `koanf:"auto_restore"`
	Compression        string        `koanf:"compression"` // none|lz4|zstd
	EncryptionKey      string        `koanf:"encryption_key"`
	Log                LogConfig     `koanf:"log"`
}

// defaults mirrors the conservative defaults a production deployment
// would ship with absent any explicit configuration.
func defaults() Config {
	return Config{
		SyncInterval:       5 * time.Second,
		SnapshotInterval:   15 * time.Minute,
		RetentionDuration:  7 * 24 * time.Hour,
		CompactThreshold:   64,
		CompactTargetCount: 8,
		MaxRetries:         5,
		ChunkSize:          4 << 20,
		Compression:        string(codec.CompressionZstd),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads defaults, then configPath (if non-empty), then environment
// variables prefixed WALOY_ (double underscore separates nested keys,
// e.g. WALOY_S3__BUCKET).
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmapProviderFromDefaults(defaults()), nil); err != nil {
		return Config{}, waloyerr.Wrap(waloyerr.KindConfig, "config.Load:defaults", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, waloyerr.Wrap(waloyerr.KindConfig, "config.Load:file", err)
		}
	}

	envProvider := env.ProviderWithValue("WALOY_", ".", func(key, value string) (string, interface{}) {
		key = strings.TrimPrefix(key, "WALOY_")
		key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, waloyerr.Wrap(waloyerr.KindConfig, "config.Load:env", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return Config{}, waloyerr.Wrap(waloyerr.KindConfig, "config.Load:unmarshal", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return waloyerr.Wrap(waloyerr.KindConfig, "config.Validate", fmt.Errorf("db_path is required"))
	}
	if c.S3.Bucket == "" {
		return waloyerr.Wrap(waloyerr.KindConfig, "config.Validate", fmt.Errorf("s3.bucket is required"))
	}
	validCompressions := []string{string(codec.CompressionNone), string(codec.CompressionLZ4), string(codec.CompressionZstd), ""}
	if !common.Contains(validCompressions, c.Compression) {
		return waloyerr.Wrap(waloyerr.KindConfig, "config.Validate",
			fmt.Errorf("unknown compression %q", c.Compression))
	}
	if c.MaxRetries < 0 {
		return waloyerr.Wrap(waloyerr.KindConfig, "config.Validate", fmt.Errorf("max_retries must be >= 0"))
	}
	return nil
}

// confmapProvider is a minimal koanf.Provider over a flat map, used to
// seed defaults before the file/env layers are merged on top.
type confmapProvider map[string]interface{}

func (confmapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("confmapProvider: ReadBytes unsupported")
}

func (c confmapProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}(c), nil
}

func confmapProviderFromDefaults(cfg Config) confmapProvider {
	return confmapProvider{
		"db_path":              cfg.DBPath,
		"sync_interval":        cfg.SyncInterval,
		"snapshot_interval":    cfg.SnapshotInterval,
		"retention_duration":   cfg.RetentionDuration,
		"compact_threshold":    cfg.CompactThreshold,
		"compact_target_count": cfg.CompactTargetCount,
		"max_retries":          cfg.MaxRetries,
		"chunk_size":           cfg.ChunkSize,
		"auto_restore":         cfg.AutoRestore,
		"compression":          cfg.Compression,
		"encryption_key":       cfg.EncryptionKey,
		"log.level":            cfg.Log.Level,
		"log.format":           cfg.Log.Format,
	}
}
