package main

import (
	"time"

	"github.com/spf13/viper"

	"github.com/fankserver/audiotranscriber/internal/pool"
)

// AppConfig is the full, layered configuration for the pipeline binary.
// Field names double as viper keys (mapstructure) and YAML keys so the
// `config` subcommand prints exactly what `run` consumes.
type AppConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	BaseDir  string `mapstructure:"base_dir" yaml:"base_dir"`

	Pool struct {
		SmallLimit  int `mapstructure:"small_limit" yaml:"small_limit"`
		MediumLimit int `mapstructure:"medium_limit" yaml:"medium_limit"`
		LargeLimit  int `mapstructure:"large_limit" yaml:"large_limit"`
	} `mapstructure:"pool" yaml:"pool"`

	Monitor struct {
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
		PerfLogInterval     time.Duration `mapstructure:"perf_log_interval" yaml:"perf_log_interval"`
	} `mapstructure:"monitor" yaml:"monitor"`

	Capture struct {
		DeviceName   string `mapstructure:"device_name" yaml:"device_name"`
		SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
		FrameSamples int    `mapstructure:"frame_samples" yaml:"frame_samples"`
		Mock         bool   `mapstructure:"mock" yaml:"mock"`
	} `mapstructure:"capture" yaml:"capture"`

	Queues struct {
		Capacity   int           `mapstructure:"capacity" yaml:"capacity"`
		PutTimeout time.Duration `mapstructure:"put_timeout" yaml:"put_timeout"`
		GetTimeout time.Duration `mapstructure:"get_timeout" yaml:"get_timeout"`
	} `mapstructure:"queues" yaml:"queues"`

	Storage struct {
		MaxWriteLatency time.Duration `mapstructure:"max_write_latency" yaml:"max_write_latency"`
		WriteBufferSize int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
		WorkerCount     int           `mapstructure:"worker_count" yaml:"worker_count"`
		MaxBackups      int           `mapstructure:"max_backups" yaml:"max_backups"`
		MaxBackupAge    time.Duration `mapstructure:"max_backup_age" yaml:"max_backup_age"`
	} `mapstructure:"storage" yaml:"storage"`

	Transcribe struct {
		Endpoint          string `mapstructure:"endpoint" yaml:"endpoint"`
		APIKey            string `mapstructure:"api_key" yaml:"api_key"`
		RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
		MaxRetries        int    `mapstructure:"max_retries" yaml:"max_retries"`
		Workers           int    `mapstructure:"workers" yaml:"workers"`
		Mock              bool   `mapstructure:"mock" yaml:"mock"`
	} `mapstructure:"transcribe" yaml:"transcribe"`
}

// DefaultAppConfig mirrors the per-package DefaultConfig constructors so a
// bare `transcriber run` works with no config file at all.
func DefaultAppConfig() AppConfig {
	var cfg AppConfig
	cfg.LogLevel = "info"
	cfg.BaseDir = "./data"

	poolDefaults := pool.DefaultConfig()
	cfg.Pool.SmallLimit = poolDefaults.Limits[pool.Small]
	cfg.Pool.MediumLimit = poolDefaults.Limits[pool.Medium]
	cfg.Pool.LargeLimit = poolDefaults.Limits[pool.Large]

	cfg.Monitor.HealthCheckInterval = 5 * time.Second
	cfg.Monitor.PerfLogInterval = 10 * time.Second

	cfg.Capture.SampleRate = 16000
	cfg.Capture.FrameSamples = 480

	cfg.Queues.Capacity = 64
	cfg.Queues.PutTimeout = 250 * time.Millisecond
	cfg.Queues.GetTimeout = 250 * time.Millisecond

	cfg.Storage.MaxWriteLatency = 500 * time.Millisecond
	cfg.Storage.WriteBufferSize = 256
	cfg.Storage.WorkerCount = 2
	cfg.Storage.MaxBackups = 10
	cfg.Storage.MaxBackupAge = 30 * 24 * time.Hour

	cfg.Transcribe.RequestsPerMinute = 10
	cfg.Transcribe.MaxRetries = 3
	cfg.Transcribe.Workers = 2

	return cfg
}

// setDefaults seeds viper with cfg's values so env vars and config files
// only need to name the keys they override.
func setDefaults(v *viper.Viper, cfg AppConfig) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("base_dir", cfg.BaseDir)

	v.SetDefault("pool.small_limit", cfg.Pool.SmallLimit)
	v.SetDefault("pool.medium_limit", cfg.Pool.MediumLimit)
	v.SetDefault("pool.large_limit", cfg.Pool.LargeLimit)

	v.SetDefault("monitor.health_check_interval", cfg.Monitor.HealthCheckInterval)
	v.SetDefault("monitor.perf_log_interval", cfg.Monitor.PerfLogInterval)

	v.SetDefault("capture.device_name", cfg.Capture.DeviceName)
	v.SetDefault("capture.sample_rate", cfg.Capture.SampleRate)
	v.SetDefault("capture.frame_samples", cfg.Capture.FrameSamples)
	v.SetDefault("capture.mock", cfg.Capture.Mock)

	v.SetDefault("queues.capacity", cfg.Queues.Capacity)
	v.SetDefault("queues.put_timeout", cfg.Queues.PutTimeout)
	v.SetDefault("queues.get_timeout", cfg.Queues.GetTimeout)

	v.SetDefault("storage.max_write_latency", cfg.Storage.MaxWriteLatency)
	v.SetDefault("storage.write_buffer_size", cfg.Storage.WriteBufferSize)
	v.SetDefault("storage.worker_count", cfg.Storage.WorkerCount)
	v.SetDefault("storage.max_backups", cfg.Storage.MaxBackups)
	v.SetDefault("storage.max_backup_age", cfg.Storage.MaxBackupAge)

	v.SetDefault("transcribe.endpoint", cfg.Transcribe.Endpoint)
	v.SetDefault("transcribe.api_key", cfg.Transcribe.APIKey)
	v.SetDefault("transcribe.requests_per_minute", cfg.Transcribe.RequestsPerMinute)
	v.SetDefault("transcribe.max_retries", cfg.Transcribe.MaxRetries)
	v.SetDefault("transcribe.workers", cfg.Transcribe.Workers)
	v.SetDefault("transcribe.mock", cfg.Transcribe.Mock)
}
