package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Edge     EdgeConfig     `yaml:"edge"`
	Durable  DurableConfig  `yaml:"durable"`
	Cold     ColdConfig     `yaml:"cold"`
	Warming  WarmingConfig  `yaml:"warming"`
	Archival ArchivalConfig `yaml:"archival"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
	Tuning   TuningConfig   `yaml:"tuning"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	APIAddress  string `yaml:"api_address"`
	MetricsPort int    `yaml:"metrics_port"`
}

// EdgeConfig represents the ephemeral edge tier settings.
type EdgeConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DurableConfig represents the durable tier settings.
type DurableConfig struct {
	Directory       string        `yaml:"directory"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// ColdConfig represents the cold object-storage tier settings.
type ColdConfig struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Prefix         string        `yaml:"prefix"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CostPerGBMonth float64       `yaml:"cost_per_gb_month"`
}

// WarmingConfig represents warming pipeline settings.
type WarmingConfig struct {
	MaxDepthLimit       int           `yaml:"max_depth_limit"`
	ConsumerConcurrency int           `yaml:"consumer_concurrency"`
	BatchSize           int           `yaml:"batch_size"`
	QueueSize           int           `yaml:"queue_size"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	ProviderInterval    time.Duration `yaml:"provider_interval"`
	ProviderTimeout     time.Duration `yaml:"provider_timeout"`
	MarkerTTL           time.Duration `yaml:"marker_ttl"`
}

// ArchivalConfig represents archival scheduler settings.
type ArchivalConfig struct {
	Interval           time.Duration `yaml:"interval"`
	AgeThreshold       time.Duration `yaml:"age_threshold"`
	FrequencyThreshold int64         `yaml:"frequency_threshold"`
	FrequencyWindow    time.Duration `yaml:"frequency_window"`
	RehydratedTTL      time.Duration `yaml:"rehydrated_ttl"`
	PassTimeout        time.Duration `yaml:"pass_timeout"`
}

// MetricsConfig represents metrics aggregation settings.
type MetricsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Namespace        string        `yaml:"namespace"`
	Window           time.Duration `yaml:"window"`
	SnapshotCacheTTL time.Duration `yaml:"snapshot_cache_ttl"`
	MaxEvents        int           `yaml:"max_events"`
}

// AlertingConfig represents alert evaluation settings.
type AlertingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Interval   time.Duration   `yaml:"interval"`
	Cooldown   time.Duration   `yaml:"cooldown"`
	Thresholds []ThresholdRule `yaml:"thresholds"`
}

// ThresholdRule is one configured alert threshold.
type ThresholdRule struct {
	Metric     string  `yaml:"metric"`
	Severity   string  `yaml:"severity"`
	Comparison string  `yaml:"comparison"`
	Value      float64 `yaml:"value"`
}

// TuningConfig represents experiment analysis settings.
type TuningConfig struct {
	Enabled           bool          `yaml:"enabled"`
	AnalysisInterval  time.Duration `yaml:"analysis_interval"`
	SignificanceLevel float64       `yaml:"significance_level"`
	MinEffectSize     float64       `yaml:"min_effect_size"`
	MinSampleSize     int           `yaml:"min_sample_size"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			APIAddress:  "localhost:8080",
			MetricsPort: 9090,
		},
		Edge: EdgeConfig{
			TTL:             15 * time.Minute,
			MaxEntries:      50000,
			CleanupInterval: time.Minute,
		},
		Durable: DurableConfig{
			Directory:       "/var/lib/bibliocache/durable",
			TTL:             30 * 24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			SyncInterval:    time.Minute,
		},
		Cold: ColdConfig{
			Bucket:         "",
			Region:         "us-east-1",
			Prefix:         "archive",
			RequestTimeout: 30 * time.Second,
			CostPerGBMonth: 0.004,
		},
		Warming: WarmingConfig{
			MaxDepthLimit:       3,
			ConsumerConcurrency: 4,
			BatchSize:           8,
			QueueSize:           10000,
			MaxRetries:          3,
			RetryBaseDelay:      500 * time.Millisecond,
			ProviderInterval:    250 * time.Millisecond,
			ProviderTimeout:     15 * time.Second,
			MarkerTTL:           90 * 24 * time.Hour,
		},
		Archival: ArchivalConfig{
			Interval:           24 * time.Hour,
			AgeThreshold:       30 * 24 * time.Hour,
			FrequencyThreshold: 10,
			FrequencyWindow:    30 * 24 * time.Hour,
			RehydratedTTL:      7 * 24 * time.Hour,
			PassTimeout:        30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			Namespace:        "bibliocache",
			Window:           time.Hour,
			SnapshotCacheTTL: 5 * time.Minute,
			MaxEvents:        100000,
		},
		Alerting: AlertingConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
			Cooldown: 4 * time.Hour,
			Thresholds: []ThresholdRule{
				{Metric: "miss_rate", Severity: "warning", Comparison: "above", Value: 0.40},
				{Metric: "miss_rate", Severity: "critical", Comparison: "above", Value: 0.60},
				{Metric: "p99_latency_ms", Severity: "warning", Comparison: "above", Value: 250},
				{Metric: "p99_latency_ms", Severity: "critical", Comparison: "above", Value: 1000},
				{Metric: "edge_hit_rate", Severity: "warning", Comparison: "below", Value: 0.30},
			},
		},
		Tuning: TuningConfig{
			Enabled:           true,
			AnalysisInterval:  time.Hour,
			SignificanceLevel: 0.05,
			MinEffectSize:     0.02,
			MinSampleSize:     100,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BIBLIOCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BIBLIOCACHE_API_ADDRESS"); val != "" {
		c.Global.APIAddress = val
	}
	if val := os.Getenv("BIBLIOCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("BIBLIOCACHE_DURABLE_DIR"); val != "" {
		c.Durable.Directory = val
	}
	if val := os.Getenv("BIBLIOCACHE_COLD_BUCKET"); val != "" {
		c.Cold.Bucket = val
	}
	if val := os.Getenv("BIBLIOCACHE_COLD_REGION"); val != "" {
		c.Cold.Region = val
	}
	if val := os.Getenv("BIBLIOCACHE_COLD_ENDPOINT"); val != "" {
		c.Cold.Endpoint = val
	}
	if val := os.Getenv("BIBLIOCACHE_EDGE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Edge.TTL = d
		}
	}
	if val := os.Getenv("BIBLIOCACHE_PROVIDER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Warming.ProviderInterval = d
		}
	}
	if val := os.Getenv("BIBLIOCACHE_ALERTING_ENABLED"); val != "" {
		c.Alerting.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BIBLIOCACHE_TUNING_ENABLED"); val != "" {
		c.Tuning.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// Validate validates the configuration and fails fast on bad settings.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Durable.Directory == "" {
		return fmt.Errorf("durable.directory must be set")
	}

	if c.Warming.MaxDepthLimit < 1 || c.Warming.MaxDepthLimit > 3 {
		return fmt.Errorf("warming.max_depth_limit must be between 1 and 3, got %d",
			c.Warming.MaxDepthLimit)
	}
	if c.Warming.ConsumerConcurrency <= 0 {
		return fmt.Errorf("warming.consumer_concurrency must be greater than 0")
	}
	if c.Warming.BatchSize <= 0 {
		return fmt.Errorf("warming.batch_size must be greater than 0")
	}
	if c.Warming.MaxRetries < 0 {
		return fmt.Errorf("warming.max_retries must not be negative")
	}

	if c.Archival.AgeThreshold <= 0 {
		return fmt.Errorf("archival.age_threshold must be greater than 0")
	}
	if c.Archival.FrequencyThreshold < 0 {
		return fmt.Errorf("archival.frequency_threshold must not be negative")
	}

	if c.Tuning.SignificanceLevel <= 0 || c.Tuning.SignificanceLevel >= 1 {
		return fmt.Errorf("tuning.significance_level must be in (0, 1), got %f",
			c.Tuning.SignificanceLevel)
	}

	for _, rule := range c.Alerting.Thresholds {
		if rule.Comparison != "above" && rule.Comparison != "below" {
			return fmt.Errorf("alerting threshold for %s: comparison must be above or below, got %q",
				rule.Metric, rule.Comparison)
		}
		if rule.Severity != "warning" && rule.Severity != "critical" {
			return fmt.Errorf("alerting threshold for %s: severity must be warning or critical, got %q",
				rule.Metric, rule.Severity)
		}
	}

	return nil
}
