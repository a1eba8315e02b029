package config

import (
	"time"
)

// The accessors below translate the millisecond-granular wire options into
// durations, falling back to the defaults when a section was omitted.

func (cfg *Config) DebounceWindow() time.Duration {
	if cfg.Reconciliation == nil {
		return 50 * time.Millisecond
	}
	return time.Duration(cfg.Reconciliation.DebounceMs) * time.Millisecond
}

func (cfg *Config) DriftPeriod() time.Duration {
	if cfg.Reconciliation == nil {
		return 5 * time.Second
	}
	return time.Duration(cfg.Reconciliation.DriftPeriodMs) * time.Millisecond
}

func (cfg *Config) StoreTimeout() time.Duration {
	if cfg.Store == nil {
		return time.Second
	}
	return time.Duration(cfg.Store.TimeoutMs) * time.Millisecond
}

func (cfg *Config) PublishTimeout() time.Duration {
	if cfg.Publish == nil {
		return 2 * time.Second
	}
	return time.Duration(cfg.Publish.TimeoutMs) * time.Millisecond
}

func (cfg *Config) RuleTimeout() time.Duration {
	if cfg.Rules == nil {
		return 50 * time.Millisecond
	}
	return time.Duration(cfg.Rules.EvaluationTimeoutMs) * time.Millisecond
}

func (cfg *Config) HealthProbePeriod() time.Duration {
	if cfg.Health == nil || cfg.Health.ProbePeriodMs == 0 {
		return time.Second
	}
	return time.Duration(cfg.Health.ProbePeriodMs) * time.Millisecond
}

func (cfg *Config) StaleThreshold() time.Duration {
	if cfg.Maintenance == nil || cfg.Maintenance.StaleThresholdDays == 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(cfg.Maintenance.StaleThresholdDays) * 24 * time.Hour
}
