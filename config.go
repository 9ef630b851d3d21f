package zenroll

import (
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/shimmeringbee/zenroll/attribute"
	"github.com/shimmeringbee/zenroll/dedup"
	"github.com/shimmeringbee/zenroll/enrollment"
	"github.com/shimmeringbee/zenroll/learning"
	"github.com/shimmeringbee/zenroll/task"
	"gopkg.in/yaml.v3"
	"os"
	"strconv"
	"time"
)

// Config is the engine configuration, every field has a usable default.
type Config struct {
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Learning   LearningConfig   `yaml:"learning"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Rules      RulesConfig      `yaml:"rules"`
}

type EnrollmentConfig struct {
	Phase2Delay             time.Duration `yaml:"phase2_delay" validate:"gte=0"`
	Phase2RetryDelay        time.Duration `yaml:"phase2_retry_delay" validate:"gt=0"`
	AttemptTimeout          time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	MaxConcurrentEnrichment int           `yaml:"max_concurrent_enrichment" validate:"gte=1"`
	ZoneEnrollRetries       int           `yaml:"zone_enroll_retries" validate:"gte=1"`
	ZoneEnrollDelay         time.Duration `yaml:"zone_enroll_delay" validate:"gt=0"`
	ZonePollInterval        time.Duration `yaml:"zone_poll_interval" validate:"gt=0"`
	PreferDatapoint         bool          `yaml:"prefer_datapoint"`
	ReportingMinimum        time.Duration `yaml:"reporting_minimum" validate:"gte=0,ltefield=ReportingMaximum"`
	ReportingMaximum        time.Duration `yaml:"reporting_maximum" validate:"gt=0"`
	PollInterval            time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type LearningConfig struct {
	MinSamples          int           `yaml:"min_samples" validate:"gte=1"`
	MinDistinct         int           `yaml:"min_distinct" validate:"gte=1,ltefield=MinSamples"`
	Window              int           `yaml:"window" validate:"gtefield=MinSamples"`
	LearningMin         time.Duration `yaml:"learning_min" validate:"gt=0,ltefield=LearningMax"`
	LearningMax         time.Duration `yaml:"learning_max" validate:"gt=0"`
	FirstMaintenance    time.Duration `yaml:"first_maintenance" validate:"gt=0"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gt=0"`
	Staleness           time.Duration `yaml:"staleness" validate:"gt=0"`
}

type DedupConfig struct {
	Window     time.Duration `yaml:"window" validate:"gt=0"`
	PurgeAfter time.Duration `yaml:"purge_after" validate:"gtefield=Window"`
	PurgeEvery int           `yaml:"purge_every" validate:"gte=1"`
}

type CatalogConfig struct {
	// Path to a catalog file, the embedded catalog is used when empty.
	Path string `yaml:"path"`
}

type RulesConfig struct {
	// Directory of rule files, the embedded rules are used when empty.
	Directory string `yaml:"directory"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

// LoadConfig reads configuration from a YAML file, applies ZENROLL_* environment overrides and defaults, and then
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return Config{}, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	durations := map[string]*time.Duration{
		"ZENROLL_PHASE2_DELAY":         &c.Enrollment.Phase2Delay,
		"ZENROLL_PHASE2_RETRY_DELAY":   &c.Enrollment.Phase2RetryDelay,
		"ZENROLL_ATTEMPT_TIMEOUT":      &c.Enrollment.AttemptTimeout,
		"ZENROLL_ZONE_POLL_INTERVAL":   &c.Enrollment.ZonePollInterval,
		"ZENROLL_LEARNING_MIN":         &c.Learning.LearningMin,
		"ZENROLL_LEARNING_MAX":         &c.Learning.LearningMax,
		"ZENROLL_MAINTENANCE_INTERVAL": &c.Learning.MaintenanceInterval,
		"ZENROLL_STALENESS":            &c.Learning.Staleness,
		"ZENROLL_DEDUP_WINDOW":         &c.Dedup.Window,
	}

	for name, field := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("failed to parse %s '%s': %w", name, v, err)
			}
			*field = d
		}
	}

	ints := map[string]*int{
		"ZENROLL_MAX_CONCURRENT_ENRICHMENT": &c.Enrollment.MaxConcurrentEnrichment,
		"ZENROLL_MIN_SAMPLES":               &c.Learning.MinSamples,
		"ZENROLL_MIN_DISTINCT":              &c.Learning.MinDistinct,
	}

	for name, field := range ints {
		if v := os.Getenv(name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("failed to parse %s '%s': %w", name, v, err)
			}
			*field = i
		}
	}

	if v := os.Getenv("ZENROLL_PREFER_DATAPOINT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse ZENROLL_PREFER_DATAPOINT '%s': %w", v, err)
		}
		c.Enrollment.PreferDatapoint = b
	}

	if v := os.Getenv("ZENROLL_CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}

	if v := os.Getenv("ZENROLL_RULES_DIRECTORY"); v != "" {
		c.Rules.Directory = v
	}

	return nil
}

func (c *Config) setDefaults() {
	e := enrollment.DefaultConfig()

	if c.Enrollment.Phase2Delay == 0 {
		c.Enrollment.Phase2Delay = e.Phase2Delay
	}
	if c.Enrollment.Phase2RetryDelay == 0 {
		c.Enrollment.Phase2RetryDelay = e.Phase2RetryDelay
	}
	if c.Enrollment.AttemptTimeout == 0 {
		c.Enrollment.AttemptTimeout = task.DefaultAttemptTimeout
	}
	if c.Enrollment.MaxConcurrentEnrichment == 0 {
		c.Enrollment.MaxConcurrentEnrichment = 4
	}
	if c.Enrollment.ZoneEnrollRetries == 0 {
		c.Enrollment.ZoneEnrollRetries = e.ZoneEnrollRetries
	}
	if c.Enrollment.ZoneEnrollDelay == 0 {
		c.Enrollment.ZoneEnrollDelay = e.ZoneEnrollDelay
	}
	if c.Enrollment.ZonePollInterval == 0 {
		c.Enrollment.ZonePollInterval = e.ZonePollInterval
	}
	if c.Enrollment.ReportingMinimum == 0 {
		c.Enrollment.ReportingMinimum = e.ReportingMinimum
	}
	if c.Enrollment.ReportingMaximum == 0 {
		c.Enrollment.ReportingMaximum = e.ReportingMaximum
	}
	if c.Enrollment.PollInterval == 0 {
		c.Enrollment.PollInterval = attribute.DefaultPollingInterval
	}

	l := learning.DefaultConfig()

	if c.Learning.MinSamples == 0 {
		c.Learning.MinSamples = l.MinSamples
	}
	if c.Learning.MinDistinct == 0 {
		c.Learning.MinDistinct = l.MinDistinct
	}
	if c.Learning.Window == 0 {
		c.Learning.Window = l.WindowSize
	}
	if c.Learning.LearningMin == 0 {
		c.Learning.LearningMin = l.LearningMin
	}
	if c.Learning.LearningMax == 0 {
		c.Learning.LearningMax = l.LearningMax
	}
	if c.Learning.FirstMaintenance == 0 {
		c.Learning.FirstMaintenance = l.FirstMaintenance
	}
	if c.Learning.MaintenanceInterval == 0 {
		c.Learning.MaintenanceInterval = l.MaintenanceInterval
	}
	if c.Learning.Staleness == 0 {
		c.Learning.Staleness = l.Staleness
	}

	if c.Dedup.Window == 0 {
		c.Dedup.Window = dedup.DefaultWindow
	}
	if c.Dedup.PurgeAfter == 0 {
		c.Dedup.PurgeAfter = dedup.DefaultPurgeAfter
	}
	if c.Dedup.PurgeEvery == 0 {
		c.Dedup.PurgeEvery = dedup.DefaultPurgeEvery
	}
}

// Validate checks the configuration's field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func (c Config) enrollmentConfig() enrollment.Config {
	return enrollment.Config{
		Phase2Delay:       c.Enrollment.Phase2Delay,
		Phase2RetryDelay:  c.Enrollment.Phase2RetryDelay,
		AttemptTimeout:    c.Enrollment.AttemptTimeout,
		ZoneEnrollRetries: c.Enrollment.ZoneEnrollRetries,
		ZoneEnrollDelay:   c.Enrollment.ZoneEnrollDelay,
		ZonePollInterval:  c.Enrollment.ZonePollInterval,
		PreferDatapoint:   c.Enrollment.PreferDatapoint,
		ReportingMinimum:  c.Enrollment.ReportingMinimum,
		ReportingMaximum:  c.Enrollment.ReportingMaximum,
		PollInterval:      c.Enrollment.PollInterval,
	}
}

func (c Config) learningConfig() learning.Config {
	return learning.Config{
		MinSamples:          c.Learning.MinSamples,
		MinDistinct:         c.Learning.MinDistinct,
		WindowSize:          c.Learning.Window,
		LearningMin:         c.Learning.LearningMin,
		LearningMax:         c.Learning.LearningMax,
		FirstMaintenance:    c.Learning.FirstMaintenance,
		MaintenanceInterval: c.Learning.MaintenanceInterval,
		Staleness:           c.Learning.Staleness,
	}
}
