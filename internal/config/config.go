// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Worker mirrors the source's Worker class attributes (workers.py), the
// parts that are genuinely configuration rather than per-run state.
type Worker struct {
	Name                string        `mapstructure:"name"`
	MaxLoops            int           `mapstructure:"max_loops"`
	Timeout             time.Duration `mapstructure:"timeout"`
	TerminateGracefully bool          `mapstructure:"terminate_gracefully"`
	SaveErrors          bool          `mapstructure:"save_errors"`
	LoggerBaseName      string        `mapstructure:"logger_base_name"`
	LoggerLevel         string        `mapstructure:"logger_level"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
	PropagationFormat  string            `mapstructure:"propagation_format"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Namespace      string         `mapstructure:"namespace"`
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Namespace: "jobs",
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			MaxLoops:            1000,
			Timeout:             30 * time.Second,
			TerminateGracefully: true,
			SaveErrors:          true,
			LoggerBaseName:      "jobs.worker",
			LoggerLevel:         "info",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file and env overrides, the teacher's
// config.Load shape.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("namespace", def.Namespace)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.name", def.Worker.Name)
	v.SetDefault("worker.max_loops", def.Worker.MaxLoops)
	v.SetDefault("worker.timeout", def.Worker.Timeout)
	v.SetDefault("worker.terminate_gracefully", def.Worker.TerminateGracefully)
	v.SetDefault("worker.save_errors", def.Worker.SaveErrors)
	v.SetDefault("worker.logger_base_name", def.Worker.LoggerBaseName)
	v.SetDefault("worker.logger_level", def.Worker.LoggerLevel)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if cfg.Worker.Name == "" {
		return fmt.Errorf("worker.name must not be empty")
	}
	if cfg.Worker.MaxLoops < 1 {
		return fmt.Errorf("worker.max_loops must be >= 1")
	}
	if cfg.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be > 0")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 || cfg.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0, 1]")
	}
	if cfg.CircuitBreaker.MinSamples < 1 {
		return fmt.Errorf("circuit_breaker.min_samples must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
