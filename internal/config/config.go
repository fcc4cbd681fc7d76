// Package config loads the writer configuration.
//
// Sources, highest precedence first:
//  1. CLI flag overrides
//  2. Environment variables (SNB_*, e.g. SNB_WRITER_TARGET=secondary)
//  3. Configuration file (YAML or TOML)
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "SNB"

// ByteSize is a size in bytes that config files may write as "1MiB", "512k" or a plain
// number.
type ByteSize int64

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Writer  WriterConfig  `mapstructure:"writer"`
	Inhibit InhibitConfig `mapstructure:"inhibit"`
	Source  SourceConfig  `mapstructure:"source"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	// DEBUG, INFO, WARN or ERROR, case-insensitive
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// TargetConfig is one output device and the core its writer thread runs on. Core -1
// leaves the thread unpinned.
type TargetConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	Core int    `mapstructure:"core" validate:"gte=-1"`
}

type WriterConfig struct {
	// Which of Primary/Secondary this instance writes to
	Target    string       `mapstructure:"target" validate:"required,oneof=primary secondary"`
	Primary   TargetConfig `mapstructure:"primary" validate:"-"`
	Secondary TargetConfig `mapstructure:"secondary" validate:"-"`

	BlockSize ByteSize `mapstructure:"block_size" validate:"gt=0"`
	Capacity  int      `mapstructure:"capacity" validate:"gt=0"`
	Backend   string   `mapstructure:"backend" validate:"oneof=aio uring"`

	// busy never sleeps, blocking waits in the kernel for up to WaitTimeout
	Wait        string        `mapstructure:"wait" validate:"oneof=busy blocking"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" validate:"required_if=Wait blocking"`

	QueueTimeout     time.Duration `mapstructure:"queue_timeout" validate:"gt=0"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gt=0"`
	MaxRedo          int           `mapstructure:"max_redo" validate:"gte=0"`

	// Bytes to fallocate up front, 0 for none. Regular file targets need this for
	// MaxSize to mean anything.
	Preallocate ByteSize `mapstructure:"preallocate" validate:"gte=0"`
	Direct      bool     `mapstructure:"direct"`
}

// Selected returns the target picked by Target.
func (w *WriterConfig) Selected() TargetConfig {
	if w.Target == "secondary" {
		return w.Secondary
	}
	return w.Primary
}

type InhibitConfig struct {
	// Backlog (issued - written trigger numbers) at which producers are inhibited,
	// 0 never inhibits
	Threshold uint64        `mapstructure:"threshold"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// SourceConfig drives the built-in fake record producer.
type SourceConfig struct {
	Rate         float64  `mapstructure:"rate" validate:"gte=0"`
	Fragments    int      `mapstructure:"fragments" validate:"gt=0,lte=65535"`
	FragmentSize ByteSize `mapstructure:"fragment_size" validate:"gt=0"`
	QueueSize    int      `mapstructure:"queue_size" validate:"gt=0"`
	RunNumber    uint32   `mapstructure:"run_number"`
	Seed         uint64   `mapstructure:"seed"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// Load reads configPath (if not empty and present), the environment and overrides, in
// that order of increasing precedence. Override keys are dotted, like "writer.target".
func Load(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	setDefaults(v)

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// readConfigFile reports whether a config file was read. Without a path the defaults
// and environment make up the whole config; a path that doesn't exist is an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if v.ConfigFileUsed() == "" {
		return false, nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return false, fmt.Errorf("configuration file not found: %s", v.ConfigFileUsed())
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the selected target.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if err := validate.Struct(cfg.Writer.Selected()); err != nil {
		return fmt.Errorf("writer.%s: %w", cfg.Writer.Target, err)
	}
	return nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook turns "1MiB", "64k" (binary units) or plain numbers into ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			n, err := units.RAMInBytes(v)
			return ByteSize(n), err
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
