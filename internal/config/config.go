// Package config loads and hot-reloads the orchestrator's runtime
// configuration: a provider-backed Loader that parses YAML (JSON as a
// fallback), expands environment variables, decodes via mapstructure, and
// applies documented defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Queue      QueueConfig      `yaml:"queue"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Session    SessionConfig    `yaml:"session"`
}

// PipelineConfig mirrors internal/pipeline.Config's fields for decoding,
// independent of that package so internal/config never imports domain
// packages it only configures.
type PipelineConfig struct {
	MaxIterations   int     `yaml:"max_iterations"`
	PassThreshold   float64 `yaml:"pass_threshold"`
	RefineThreshold float64 `yaml:"refine_threshold"`
	ReplanThreshold float64 `yaml:"replan_threshold"`
	EnableExecution bool    `yaml:"enable_execution"`
}

// QueueConfig mirrors internal/queue.Config's fields.
type QueueConfig struct {
	WorkerConcurrency     int           `yaml:"worker_concurrency"`
	CommandTimeoutDefault time.Duration `yaml:"command_timeout_default"`
	CommandMaxAttempts    int           `yaml:"command_max_attempts"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
}

// CheckpointConfig mirrors internal/statecache.Policy's fields.
type CheckpointConfig struct {
	IntervalSeconds int  `yaml:"checkpoint_interval_seconds"`
	OnTerminal      bool `yaml:"on_terminal_transition"`
	OnLayer         bool `yaml:"on_layer_completion"`
	HistoryDepth    int  `yaml:"history_depth"`
}

// CacheConfig mirrors internal/decisioncache.Cache's TTL knob.
type CacheConfig struct {
	DecisionCacheTTL time.Duration `yaml:"decision_cache_ttl"`
}

// EventBusConfig mirrors internal/eventbus.Bus's backlog knob.
type EventBusConfig struct {
	SubscriberBacklog int `yaml:"event_subscriber_backlog"`
}

// SessionConfig mirrors internal/orchestrator.Config's session-lifecycle knobs.
type SessionConfig struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	IdleTimeout           time.Duration `yaml:"idle_session_timeout"`
	ReapInterval          time.Duration `yaml:"reap_interval"`
}

// SetDefaults applies every documented default. Fields already set (by the
// decoded file or by env expansion) are left untouched.
func (c *Config) SetDefaults() {
	if c.Pipeline.MaxIterations <= 0 {
		c.Pipeline.MaxIterations = 5
	}
	if c.Pipeline.PassThreshold == 0 {
		c.Pipeline.PassThreshold = 0.80
	}
	if c.Pipeline.RefineThreshold == 0 {
		c.Pipeline.RefineThreshold = 0.40
	}
	if c.Pipeline.ReplanThreshold == 0 {
		c.Pipeline.ReplanThreshold = 0.20
	}

	if c.Queue.WorkerConcurrency <= 0 {
		c.Queue.WorkerConcurrency = 3
	}
	if c.Queue.CommandTimeoutDefault <= 0 {
		c.Queue.CommandTimeoutDefault = 300 * time.Second
	}
	if c.Queue.CommandMaxAttempts <= 0 {
		c.Queue.CommandMaxAttempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = 200 * time.Millisecond
	}

	if c.Checkpoint.IntervalSeconds <= 0 {
		c.Checkpoint.IntervalSeconds = 30
	}
	if c.Checkpoint.HistoryDepth <= 0 {
		c.Checkpoint.HistoryDepth = 10
	}
	// Both checkpoint triggers are always-on.
	c.Checkpoint.OnTerminal = true
	c.Checkpoint.OnLayer = true

	if c.Cache.DecisionCacheTTL <= 0 {
		c.Cache.DecisionCacheTTL = 300 * time.Second
	}

	if c.EventBus.SubscriberBacklog <= 0 {
		c.EventBus.SubscriberBacklog = 1024
	}

	if c.Session.MaxConcurrentRequests <= 0 {
		c.Session.MaxConcurrentRequests = 3
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.ReapInterval <= 0 {
		c.Session.ReapInterval = time.Minute
	}
}

// Validate checks structural invariants across the whole config. The
// threshold check mirrors internal/pipeline.Config.Validate so a bad config
// file fails at load time rather than waiting for the first request to
// construct a Pipeline.
func (c Config) Validate() error {
	if !(c.Pipeline.ReplanThreshold <= c.Pipeline.RefineThreshold && c.Pipeline.RefineThreshold <= c.Pipeline.PassThreshold) {
		return fmt.Errorf("config: pipeline thresholds must satisfy replan <= refine <= pass, got %v <= %v <= %v",
			c.Pipeline.ReplanThreshold, c.Pipeline.RefineThreshold, c.Pipeline.PassThreshold)
	}
	if c.Queue.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: queue.worker_concurrency must be positive")
	}
	if c.Session.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: session.max_concurrent_requests must be positive")
	}
	return nil
}
