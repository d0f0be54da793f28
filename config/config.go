// Package config holds the orchestration core's tunables: mailbox and
// dead-letter capacities, heartbeat, retry, and breaker timing, and the
// coordinator's thresholds and intake limits. Process-level concerns such
// as listen addresses stay with the embedding binary. Every duration is an
// integer millisecond count, keeping config files unit-free.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig tunes envelope routing and dead-lettering.
type BusConfig struct {
	MailboxCapacity int `yaml:"mailbox_capacity" json:"mailbox_capacity"`
	DeadLetterLimit int `yaml:"dead_letter_limit" json:"dead_letter_limit"`

	// Health monitor
	HealthIntervalMs int `yaml:"health_interval_ms" json:"health_interval_ms"`
	StaleAfterMs     int `yaml:"stale_after_ms" json:"stale_after_ms"`
}

// AgentConfig tunes the per-agent runtime.
type AgentConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
}

// SupervisorConfig tunes the tactical tier.
type SupervisorConfig struct {
	PoolLimit  int `yaml:"pool_limit" json:"pool_limit"`
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// Retry policy
	MaxRetries       int    `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelayMs int    `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	RetryMaxDelayMs  int    `yaml:"retry_max_delay_ms" json:"retry_max_delay_ms"`
	RetryOwner       string `yaml:"retry_owner" json:"retry_owner"` // "supervisor" or "escalate"

	// Circuit breaker
	BreakerThreshold     int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerOpenTimeoutMs int `yaml:"breaker_open_timeout_ms" json:"breaker_open_timeout_ms"`

	// Report aggregation
	AggregateEvery    int `yaml:"aggregate_every" json:"aggregate_every"`
	AggregateWindowMs int `yaml:"aggregate_window_ms" json:"aggregate_window_ms"`
}

// CoordinatorConfig tunes the strategic tier.
type CoordinatorConfig struct {
	MinSuccessRate  float64 `yaml:"min_success_rate" json:"min_success_rate"`
	MaxAvgLatencyMs int     `yaml:"max_avg_latency_ms" json:"max_avg_latency_ms"`
	MaxQueueDepth   int     `yaml:"max_queue_depth" json:"max_queue_depth"`

	HealthSweepIntervalMs    int `yaml:"health_sweep_interval_ms" json:"health_sweep_interval_ms"`
	SupervisorSilenceAfterMs int `yaml:"supervisor_silence_after_ms" json:"supervisor_silence_after_ms"`

	IntakePerSecond float64 `yaml:"intake_per_second" json:"intake_per_second"`
	IntakeBurst     int     `yaml:"intake_burst" json:"intake_burst"`
}

// CoreConfig holds the full orchestration configuration.
type CoreConfig struct {
	Bus         BusConfig         `yaml:"bus" json:"bus"`
	Agent       AgentConfig       `yaml:"agent" json:"agent"`
	Supervisor  SupervisorConfig  `yaml:"supervisor" json:"supervisor"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// Logging
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		Bus: BusConfig{
			MailboxCapacity:  64,
			DeadLetterLimit:  1024,
			HealthIntervalMs: 5_000,
			StaleAfterMs:     15_000,
		},
		Agent: AgentConfig{
			HeartbeatIntervalMs: 1_000,
		},
		Supervisor: SupervisorConfig{
			PoolLimit:            4,
			QueueDepth:           16,
			MaxRetries:           3,
			RetryBaseDelayMs:     100,
			RetryMaxDelayMs:      5_000,
			RetryOwner:           "supervisor",
			BreakerThreshold:     5,
			BreakerOpenTimeoutMs: 10_000,
			AggregateEvery:       20,
			AggregateWindowMs:    10_000,
		},
		Coordinator: CoordinatorConfig{
			MinSuccessRate:           0.5,
			MaxAvgLatencyMs:          30_000,
			MaxQueueDepth:            32,
			HealthSweepIntervalMs:    15_000,
			SupervisorSilenceAfterMs: 60_000,
			IntakePerSecond:          0,
			IntakeBurst:              8,
		},
		LogLevel: "INFO",
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*CoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := DefaultCoreConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return c, nil
}

// Validate rejects values the core cannot run with.
func (c *CoreConfig) Validate() error {
	if c.Bus.MailboxCapacity <= 0 {
		return fmt.Errorf("bus.mailbox_capacity must be positive, got %d", c.Bus.MailboxCapacity)
	}
	if c.Bus.DeadLetterLimit <= 0 {
		return fmt.Errorf("bus.dead_letter_limit must be positive, got %d", c.Bus.DeadLetterLimit)
	}
	if c.Supervisor.PoolLimit <= 0 {
		return fmt.Errorf("supervisor.pool_limit must be positive, got %d", c.Supervisor.PoolLimit)
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must not be negative, got %d", c.Supervisor.MaxRetries)
	}
	if c.Supervisor.BreakerThreshold < 0 {
		return fmt.Errorf("supervisor.breaker_threshold must not be negative, got %d", c.Supervisor.BreakerThreshold)
	}
	switch c.Supervisor.RetryOwner {
	case "supervisor", "escalate":
	default:
		return fmt.Errorf("supervisor.retry_owner must be %q or %q, got %q",
			"supervisor", "escalate", c.Supervisor.RetryOwner)
	}
	if c.Coordinator.MinSuccessRate < 0 || c.Coordinator.MinSuccessRate > 1 {
		return fmt.Errorf("coordinator.min_success_rate must be in [0,1], got %v", c.Coordinator.MinSuccessRate)
	}
	if c.Coordinator.IntakePerSecond < 0 {
		return fmt.Errorf("coordinator.intake_per_second must not be negative, got %v", c.Coordinator.IntakePerSecond)
	}
	return nil
}

// Duration accessors. Config files carry integer milliseconds; callers get
// time.Duration.

func (c BusConfig) HealthInterval() time.Duration { return time.Duration(c.HealthIntervalMs) * time.Millisecond }
func (c BusConfig) StaleAfter() time.Duration     { return time.Duration(c.StaleAfterMs) * time.Millisecond }

func (c AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c SupervisorConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c SupervisorConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c SupervisorConfig) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenTimeoutMs) * time.Millisecond
}

func (c SupervisorConfig) AggregateWindow() time.Duration {
	return time.Duration(c.AggregateWindowMs) * time.Millisecond
}

func (c CoordinatorConfig) HealthSweepInterval() time.Duration {
	return time.Duration(c.HealthSweepIntervalMs) * time.Millisecond
}

func (c CoordinatorConfig) SupervisorSilenceAfter() time.Duration {
	return time.Duration(c.SupervisorSilenceAfterMs) * time.Millisecond
}

// =============================================================================
// GLOBAL CONFIG (set by process bootstrap)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
// Called by process bootstrap after loading the config file.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
