//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads engine configuration from YAML with environment
// overrides and turns it into executor, bridge and checkpoint options.
//
// Precedence: defaults, then the YAML file, then TRPC_GRAPH_* variables.
// Nested fields join their env tags with "_", so checkpoint.redis.addr is
// TRPC_GRAPH_CHECKPOINT_REDIS_ADDR.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint"
	"trpc.group/trpc-go/trpc-agent-graph/log"
	"trpc.group/trpc-go/trpc-agent-graph/subagent"
	"trpc.group/trpc-go/trpc-agent-graph/telemetry"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "TRPC_GRAPH"

// Config is the complete engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Executor   ExecutorConfig   `yaml:"executor" env:"EXECUTOR"`
	Subagent   SubagentConfig   `yaml:"subagent" env:"SUBAGENT"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Telemetry  telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error, fatal.
	Level string `yaml:"level" env:"LEVEL"`
}

// ExecutorConfig configures graph executors.
type ExecutorConfig struct {
	MaxSteps            int         `yaml:"max_steps" env:"MAX_STEPS"`
	EventBufferSize     int         `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE"`
	MaxParallelBranches int         `yaml:"max_parallel_branches" env:"MAX_PARALLEL_BRANCHES"`
	CheckpointEveryStep bool        `yaml:"checkpoint_every_step" env:"CHECKPOINT_EVERY_STEP"`
	Retry               RetryConfig `yaml:"retry" env:"RETRY"`
}

// RetryConfig is the default node retry policy. MaxAttempts below 2
// disables retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	BackoffFactor   float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Jitter          bool          `yaml:"jitter" env:"JITTER"`
}

// SubagentConfig configures the sub-agent bridge.
type SubagentConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	ResultLimit   int `yaml:"result_limit" env:"RESULT_LIMIT"`
	PoolSize      int `yaml:"pool_size" env:"POOL_SIZE"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend               string      `yaml:"backend" env:"BACKEND"`
	Path                  string      `yaml:"path" env:"PATH"`
	MaxSnapshotsPerThread int         `yaml:"max_snapshots_per_thread" env:"MAX_SNAPSHOTS_PER_THREAD"`
	Redis                 RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the redis checkpoint backend.
type RedisConfig struct {
	URL      string        `yaml:"url" env:"URL"`
	Instance string        `yaml:"instance" env:"INSTANCE"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: log.LevelInfo},
		Executor: ExecutorConfig{
			MaxSteps:        1000,
			EventBufferSize: 256,
			Retry: RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 500 * time.Millisecond,
				BackoffFactor:   2,
				MaxInterval:     8 * time.Second,
			},
		},
		Subagent: SubagentConfig{
			MaxConcurrent: 4,
			ResultLimit:   2000,
		},
		Checkpoint: CheckpointConfig{Backend: string(checkpoint.BackendMemory)},
	}
}

// Loader reads a Config. The zero value is not usable; call NewLoader.
type Loader struct {
	path       string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader returns a loader reading only defaults and the environment.
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix replaces TRPC_GRAPH.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := l.loadEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// Load reads path (may be empty) with the default environment prefix.
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", l.path, err)
	}
	return nil
}

func (l *Loader) loadEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := l.loadEnv(field, key); err != nil {
				return err
			}
			continue
		}
		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "", log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError, log.LevelFatal:
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	if c.Executor.MaxSteps < 0 {
		errs = append(errs, errors.New("executor.max_steps must not be negative"))
	}
	if c.Executor.EventBufferSize < 0 {
		errs = append(errs, errors.New("executor.event_buffer_size must not be negative"))
	}
	if c.Executor.MaxParallelBranches < 0 {
		errs = append(errs, errors.New("executor.max_parallel_branches must not be negative"))
	}
	if c.Executor.Retry.BackoffFactor < 0 {
		errs = append(errs, errors.New("executor.retry.backoff_factor must not be negative"))
	}
	if c.Subagent.MaxConcurrent < 1 {
		errs = append(errs, errors.New("subagent.max_concurrent must be at least 1"))
	}
	switch checkpoint.Backend(strings.ToLower(c.Checkpoint.Backend)) {
	case "", checkpoint.BackendMemory, checkpoint.BackendRedis:
	case checkpoint.BackendFile, checkpoint.BackendDir, checkpoint.BackendSQLite:
		if c.Checkpoint.Path == "" {
			errs = append(errs, fmt.Errorf("checkpoint.path is required for the %s backend", c.Checkpoint.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend))
	}
	return errors.Join(errs...)
}

// ApplyLogLevel sets the process log level.
func (c *Config) ApplyLogLevel() {
	if c.Log.Level != "" {
		log.SetLevel(c.Log.Level)
	}
}

// RetryPolicy returns the default retry policy, or nil when retries are
// disabled.
func (c *Config) RetryPolicy() *graph.RetryPolicy {
	r := c.Executor.Retry
	if r.MaxAttempts < 2 {
		return nil
	}
	return &graph.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		BackoffFactor:   r.BackoffFactor,
		MaxInterval:     r.MaxInterval,
		Jitter:          r.Jitter,
	}
}

// ExecutorOptions converts the executor section. Collaborators such as the
// checkpointer and spawner are added by the caller.
func (c *Config) ExecutorOptions() []graph.ExecutorOption {
	e := c.Executor
	opts := []graph.ExecutorOption{graph.WithCheckpointEveryStep(e.CheckpointEveryStep)}
	if e.MaxSteps > 0 {
		opts = append(opts, graph.WithMaxSteps(e.MaxSteps))
	}
	if e.EventBufferSize > 0 {
		opts = append(opts, graph.WithEventBufferSize(e.EventBufferSize))
	}
	if e.MaxParallelBranches > 0 {
		opts = append(opts, graph.WithMaxParallelBranches(e.MaxParallelBranches))
	}
	if p := c.RetryPolicy(); p != nil {
		opts = append(opts, graph.WithDefaultRetryPolicy(*p))
	}
	return opts
}

// BridgeOptions converts the sub-agent section.
func (c *Config) BridgeOptions() []subagent.Option {
	s := c.Subagent
	opts := []subagent.Option{subagent.WithMaxConcurrent(s.MaxConcurrent)}
	if s.ResultLimit > 0 {
		opts = append(opts, subagent.WithResultLimit(s.ResultLimit))
	}
	if s.PoolSize > 0 {
		opts = append(opts, subagent.WithPoolSize(s.PoolSize))
	}
	return opts
}

// CheckpointConfig converts the checkpoint section for checkpoint.New.
func (c *Config) CheckpointConfig() checkpoint.Config {
	cp := c.Checkpoint
	return checkpoint.Config{
		Backend:               checkpoint.Backend(strings.ToLower(cp.Backend)),
		Path:                  cp.Path,
		MaxSnapshotsPerThread: cp.MaxSnapshotsPerThread,
		Redis: checkpoint.RedisConfig{
			URL:      cp.Redis.URL,
			Instance: cp.Redis.Instance,
			Addr:     cp.Redis.Addr,
			Password: cp.Redis.Password,
			DB:       cp.Redis.DB,
			Prefix:   cp.Redis.Prefix,
			TTL:      cp.Redis.TTL,
		},
	}
}

// NewCheckpointer builds the configured checkpointer.
func (c *Config) NewCheckpointer() (graph.Checkpointer, error) {
	return checkpoint.New(c.CheckpointConfig())
}
