package config

import (
	"github.com/spf13/viper"
)

// Defaults follow the production deployment: two NVMe targets, writer threads on
// cores 9 and 15, 1 MiB blocks.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")

	v.SetDefault("writer.target", "primary")
	v.SetDefault("writer.primary.path", "/mnt/snb/output_1.bin")
	v.SetDefault("writer.primary.core", 9)
	v.SetDefault("writer.secondary.path", "/mnt/snb/output_2.bin")
	v.SetDefault("writer.secondary.core", 15)
	v.SetDefault("writer.block_size", "1MiB")
	v.SetDefault("writer.capacity", 128)
	v.SetDefault("writer.backend", "aio")
	v.SetDefault("writer.wait", "busy")
	v.SetDefault("writer.wait_timeout", "1ms")
	v.SetDefault("writer.queue_timeout", "100ms")
	v.SetDefault("writer.progress_interval", "5s")
	v.SetDefault("writer.max_redo", 3)
	v.SetDefault("writer.preallocate", 0)
	v.SetDefault("writer.direct", true)

	v.SetDefault("inhibit.threshold", 0)
	v.SetDefault("inhibit.interval", "100ms")

	v.SetDefault("source.rate", 100.0)
	v.SetDefault("source.fragments", 4)
	v.SetDefault("source.fragment_size", "256KiB")
	v.SetDefault("source.queue_size", 64)
	v.SetDefault("source.run_number", 1)
	v.SetDefault("source.seed", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// GetDefaultConfig is the configuration with nothing but defaults applied.
func GetDefaultConfig() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic("default configuration is invalid: " + err.Error())
	}
	return cfg
}
