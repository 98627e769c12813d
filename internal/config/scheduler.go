package config

import "time"

// SchedulerConfig configures the task orchestrator.
type SchedulerConfig struct {
	// TickSeconds is the scheduler loop interval.
	TickSeconds int `yaml:"tick_seconds"`

	// BackoffSeconds is the loop interval after a tick error.
	BackoffSeconds int `yaml:"backoff_seconds"`

	// TemplateTimeoutSeconds is the per-invocation template timeout.
	TemplateTimeoutSeconds int `yaml:"template_timeout_seconds"`

	// MaxWorkers bounds concurrent template executions (1..8).
	// Executions for a single task are always serialized.
	MaxWorkers int `yaml:"max_workers"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickSeconds:            30,
		BackoffSeconds:         60,
		TemplateTimeoutSeconds: 300,
		MaxWorkers:             1,
	}
}

// GetTick returns the tick interval as a duration.
func (c SchedulerConfig) GetTick() time.Duration {
	if c.TickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickSeconds) * time.Second
}

// GetBackoff returns the error backoff interval as a duration.
func (c SchedulerConfig) GetBackoff() time.Duration {
	if c.BackoffSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.BackoffSeconds) * time.Second
}

// GetTemplateTimeout returns the per-task template timeout as a duration.
func (c SchedulerConfig) GetTemplateTimeout() time.Duration {
	if c.TemplateTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TemplateTimeoutSeconds) * time.Second
}
