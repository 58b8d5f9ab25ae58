// Package config loads engine configuration from environment variables,
// read once at startup. Risk-tier boundaries and alert threshold rules can
// additionally come from a YAML rules file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Dripline engine.
type Config struct {
	Port    int
	Version string

	Scheduler SchedulerConfig
	Retention RetentionConfig
	Stream    StreamConfig
	Sizing    SizingConfig
	Risk      RiskConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
}

type SchedulerConfig struct {
	TickInterval  time.Duration
	SubmitTimeout time.Duration
}

type RetentionConfig struct {
	EventHistoryCap   int
	EventMaxAge       time.Duration
	ArtifactRetention time.Duration
	SweepInterval     time.Duration
	MetricHistoryCap  int
	AlertHistoryCap   int
	CallbackHistoryCap int
	// ArchiveBackend selects the artifact archive driver: "local",
	// "postgres", or "none".
	ArchiveBackend string
	ArchiveDir     string
}

type StreamConfig struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WebhookTimeout    time.Duration
}

type SizingConfig struct {
	MinLegs   int
	MaxLegs   int
	MaxLegPct float64
}

// RiskConfig carries the score boundaries between risk tiers.
// A score at or above Extreme stops a live execution.
type RiskConfig struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Extreme  float64 `yaml:"extreme"`
	// Thresholds are alert rules preloaded into the metrics collector.
	Thresholds []ThresholdRule `yaml:"thresholds"`
}

// ThresholdRule is the YAML shape of a preloaded alert rule.
type ThresholdRule struct {
	MetricPath string  `yaml:"metricPath"`
	Operator   string  `yaml:"operator"`
	Value      float64 `yaml:"value"`
	Severity   string  `yaml:"severity"`
}

type RedisConfig struct {
	// Addr enables the Redis event bridge when non-empty.
	Addr    string
	Channel string
}

type DatabaseConfig struct {
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:    envInt("DRIPLINE_PORT", 8080),
		Version: envStr("DRIPLINE_VERSION", "0.4.0"),
		Scheduler: SchedulerConfig{
			TickInterval:  envDur("DRIPLINE_TICK_INTERVAL", 5*time.Second),
			SubmitTimeout: envDur("DRIPLINE_SUBMIT_TIMEOUT", 30*time.Second),
		},
		Retention: RetentionConfig{
			EventHistoryCap:    envInt("DRIPLINE_EVENT_HISTORY_CAP", 1000),
			EventMaxAge:        envDur("DRIPLINE_EVENT_MAX_AGE", 24*time.Hour),
			ArtifactRetention:  envDur("DRIPLINE_ARTIFACT_RETENTION", 7*24*time.Hour),
			SweepInterval:      envDur("DRIPLINE_ARTIFACT_SWEEP_INTERVAL", 10*time.Minute),
			MetricHistoryCap:   envInt("DRIPLINE_METRIC_HISTORY_CAP", 500),
			AlertHistoryCap:    envInt("DRIPLINE_ALERT_HISTORY_CAP", 200),
			CallbackHistoryCap: envInt("DRIPLINE_CALLBACK_HISTORY_CAP", 500),
			ArchiveBackend:     envStr("DRIPLINE_ARCHIVE_BACKEND", "local"),
			ArchiveDir:         envStr("DRIPLINE_ARCHIVE_DIR", ""),
		},
		Stream: StreamConfig{
			HeartbeatInterval: envDur("DRIPLINE_STREAM_HEARTBEAT", 30*time.Second),
			IdleTimeout:       envDur("DRIPLINE_STREAM_IDLE_TIMEOUT", 5*time.Minute),
			WebhookTimeout:    envDur("DRIPLINE_WEBHOOK_TIMEOUT", 15*time.Second),
		},
		Sizing: SizingConfig{
			MinLegs:   envInt("DRIPLINE_MIN_LEGS", 2),
			MaxLegs:   envInt("DRIPLINE_MAX_LEGS", 30),
			MaxLegPct: envFloat("DRIPLINE_MAX_LEG_PCT", 0.5),
		},
		Risk: RiskConfig{
			Moderate: envFloat("DRIPLINE_RISK_MODERATE", 0.4),
			High:     envFloat("DRIPLINE_RISK_HIGH", 0.7),
			Extreme:  envFloat("DRIPLINE_RISK_EXTREME", 0.9),
		},
		Redis: RedisConfig{
			Addr:    envStr("DRIPLINE_REDIS_ADDR", ""),
			Channel: envStr("DRIPLINE_REDIS_CHANNEL", "dripline.events"),
		},
		Database: DatabaseConfig{
			URL: envStr("DRIPLINE_DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "dripline-engine"),
		},
	}

	if rulesFile := os.Getenv("DRIPLINE_RISK_RULES_FILE"); rulesFile != "" {
		if err := cfg.loadRiskRules(rulesFile); err != nil {
			// Config is read once at startup; a broken rules file keeps
			// the env-derived defaults rather than failing the boot.
			fmt.Fprintf(os.Stderr, "dripline: ignoring risk rules file %s: %v\n", rulesFile, err)
		}
	}
	return cfg
}

// loadRiskRules overlays tier boundaries and threshold rules from YAML.
func (c *Config) loadRiskRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read risk rules: %w", err)
	}
	var rules RiskConfig
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse risk rules: %w", err)
	}
	if rules.Moderate > 0 {
		c.Risk.Moderate = rules.Moderate
	}
	if rules.High > 0 {
		c.Risk.High = rules.High
	}
	if rules.Extreme > 0 {
		c.Risk.Extreme = rules.Extreme
	}
	c.Risk.Thresholds = append(c.Risk.Thresholds, rules.Thresholds...)
	return nil
}

// Thresholds converts the preloaded YAML rules into collector thresholds.
func (c *Config) Thresholds() []models.MetricThreshold {
	out := make([]models.MetricThreshold, 0, len(c.Risk.Thresholds))
	for _, r := range c.Risk.Thresholds {
		out = append(out, models.MetricThreshold{
			MetricPath: r.MetricPath,
			Operator:   models.ThresholdOperator(r.Operator),
			Value:      r.Value,
			Severity:   models.AlertSeverity(r.Severity),
		})
	}
	return out
}

// ClassifyRisk maps a score to a tier using the configured boundaries.
func (c *Config) ClassifyRisk(score float64) models.RiskTier {
	switch {
	case score >= c.Risk.Extreme:
		return models.RiskTierExtreme
	case score >= c.Risk.High:
		return models.RiskTierHigh
	case score >= c.Risk.Moderate:
		return models.RiskTierModerate
	default:
		return models.RiskTierLow
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
