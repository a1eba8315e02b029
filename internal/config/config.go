package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"sigs.k8s.io/yaml"
)

const (
	appName = "twinctl"
)

type Config struct {
	KV             *kvConfig             `json:"kv,omitempty"`
	Reconciliation *reconciliationConfig `json:"reconciliation,omitempty"`
	Maintenance    *maintenanceConfig    `json:"maintenance,omitempty"`
	Health         *healthConfig         `json:"health,omitempty"`
	Store          *storeConfig          `json:"store,omitempty"`
	Publish        *publishConfig        `json:"publish,omitempty"`
	Rules          *rulesConfig          `json:"rules,omitempty"`
	Service        *svcConfig            `json:"service,omitempty"`
}

type kvConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type reconciliationConfig struct {
	DebounceMs    uint `json:"debounceMs,omitempty"`
	DriftPeriodMs uint `json:"driftPeriodMs,omitempty"`
}

type maintenanceConfig struct {
	StaleDetectionCron string `json:"staleDetectionCron,omitempty"`
	StaleThresholdDays uint   `json:"staleThresholdDays,omitempty"`
	OrphanCleanupCron  string `json:"orphanCleanupCron,omitempty"`
}

type healthConfig struct {
	FailureThreshold  uint `json:"failureThreshold,omitempty"`
	RecoveryThreshold uint `json:"recoveryThreshold,omitempty"`
	ProbePeriodMs     uint `json:"probePeriodMs,omitempty"`
}

type storeConfig struct {
	TimeoutMs uint `json:"timeoutMs,omitempty"`
}

type publishConfig struct {
	TimeoutMs uint `json:"timeoutMs,omitempty"`
}

type rulesConfig struct {
	EvaluationTimeoutMs uint `json:"evaluationTimeoutMs,omitempty"`
	// RulesFile points at the YAML document of configured threshold rules.
	RulesFile string `json:"rulesFile,omitempty"`
}

type svcConfig struct {
	LogLevel       string `json:"logLevel,omitempty"`
	MetricsAddress string `json:"metricsAddress,omitempty"`
}

func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	c := &Config{
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Reconciliation: &reconciliationConfig{
			DebounceMs:    50,
			DriftPeriodMs: 5000,
		},
		Maintenance: &maintenanceConfig{
			StaleDetectionCron: "0 0 3 * * *",
			StaleThresholdDays: 7,
			OrphanCleanupCron:  "0 0 4 * * *",
		},
		Health: &healthConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			ProbePeriodMs:     1000,
		},
		Store:   &storeConfig{TimeoutMs: 1000},
		Publish: &publishConfig{TimeoutMs: 2000},
		Rules:   &rulesConfig{EvaluationTimeoutMs: 50},
		Service: &svcConfig{LogLevel: "info", MetricsAddress: ":15690"},
	}
	return c
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %v", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %v", err)
	}
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %v", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %v", err)
	}
	return nil
}

// cronParser accepts the six-field (seconds-resolution) syntax the defaults
// use.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func Validate(cfg *Config) error {
	if cfg.Reconciliation != nil && cfg.Reconciliation.DebounceMs == 0 {
		return fmt.Errorf("reconciliation.debounceMs must be greater than 0")
	}
	if cfg.Reconciliation != nil && cfg.Reconciliation.DriftPeriodMs == 0 {
		return fmt.Errorf("reconciliation.driftPeriodMs must be greater than 0")
	}
	if cfg.Health != nil {
		if cfg.Health.FailureThreshold == 0 || cfg.Health.RecoveryThreshold == 0 {
			return fmt.Errorf("health thresholds must be greater than 0")
		}
	}
	if cfg.Maintenance != nil {
		if _, err := cronParser.Parse(cfg.Maintenance.StaleDetectionCron); err != nil {
			return fmt.Errorf("maintenance.staleDetectionCron: %v", err)
		}
		if _, err := cronParser.Parse(cfg.Maintenance.OrphanCleanupCron); err != nil {
			return fmt.Errorf("maintenance.orphanCleanupCron: %v", err)
		}
	}
	return nil
}

func (cfg *Config) String() string {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
