package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridharvest/coordinator/internal/assign"
	"github.com/gridharvest/coordinator/internal/budget"
	"github.com/gridharvest/coordinator/internal/consensus"
	"github.com/gridharvest/coordinator/internal/epoch"
)

// Config holds the full coordinator configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Epoch      EpochConfig      `yaml:"epoch" mapstructure:"epoch"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Assignment AssignmentConfig `yaml:"assignment" mapstructure:"assignment"`
	Grouping   GroupingConfig   `yaml:"grouping" mapstructure:"grouping"`
	Consensus  consensus.Config `yaml:"consensus" mapstructure:"consensus"`
	Budget     budget.Config    `yaml:"budget" mapstructure:"budget"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// EpochConfig configures the epoch schedule.
type EpochConfig struct {
	DurationMins       int `yaml:"duration_mins" mapstructure:"duration_mins"`
	DeadlineOffsetMins int `yaml:"deadline_offset_mins" mapstructure:"deadline_offset_mins"`
	RetentionDays      int `yaml:"retention_days" mapstructure:"retention_days"`
	CooldownEpochs     int `yaml:"cooldown_epochs" mapstructure:"cooldown_epochs"`
}

// Schedule converts the config into an epoch schedule.
func (c EpochConfig) Schedule() epoch.Schedule {
	return epoch.Schedule{
		Duration:       time.Duration(c.DurationMins) * time.Minute,
		DeadlineOffset: time.Duration(c.DeadlineOffsetMins) * time.Minute,
		Retention:      time.Duration(c.RetentionDays) * 24 * time.Hour,
	}
}

// CatalogConfig locates the work unit catalog and tier weighting.
type CatalogConfig struct {
	Path                string  `yaml:"path" mapstructure:"path"`
	PrimaryMultiplier   float64 `yaml:"primary_multiplier" mapstructure:"primary_multiplier"`
	SecondaryMultiplier float64 `yaml:"secondary_multiplier" mapstructure:"secondary_multiplier"`
	TertiaryMultiplier  float64 `yaml:"tertiary_multiplier" mapstructure:"tertiary_multiplier"`
}

// RegistryConfig locates the submitter registry file.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AssignmentConfig configures work unit selection.
type AssignmentConfig struct {
	TargetYield  int64   `yaml:"target_yield" mapstructure:"target_yield"`
	Tolerance    float64 `yaml:"tolerance" mapstructure:"tolerance"`
	MinUnitYield int64   `yaml:"min_unit_yield" mapstructure:"min_unit_yield"`
	MaxUnitYield int64   `yaml:"max_unit_yield" mapstructure:"max_unit_yield"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Selection converts the config into selection knobs.
func (c AssignmentConfig) Selection() assign.SelectionConfig {
	return assign.SelectionConfig{
		TargetYield:  c.TargetYield,
		Tolerance:    c.Tolerance,
		MinUnitYield: c.MinUnitYield,
		MaxUnitYield: c.MaxUnitYield,
		MaxAttempts:  c.MaxAttempts,
	}
}

// GroupingConfig configures submitter group formation.
type GroupingConfig struct {
	ChunkSize     int `yaml:"chunk_size" mapstructure:"chunk_size"`
	OverlapFactor int `yaml:"overlap_factor" mapstructure:"overlap_factor"`
	GroupSize     int `yaml:"group_size" mapstructure:"group_size"`
	MinOverlap    int `yaml:"min_overlap" mapstructure:"min_overlap"`
	MinGroupSize  int `yaml:"min_group_size" mapstructure:"min_group_size"`
}

// Grouping converts the config into grouping knobs.
func (c GroupingConfig) Grouping() assign.GroupingConfig {
	return assign.GroupingConfig{
		ChunkSize:     c.ChunkSize,
		OverlapFactor: c.OverlapFactor,
		GroupSize:     c.GroupSize,
		MinOverlap:    c.MinOverlap,
		MinGroupSize:  c.MinGroupSize,
	}
}

// VerifyConfig holds the ground-truth verification source settings.
type VerifyConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// AuthConfig holds the shared server secret that seeds assignment tokens
// and request proofs.
type AuthConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port             int     `yaml:"port" mapstructure:"port"`
	StatusRatePerSec float64 `yaml:"status_rate_per_sec" mapstructure:"status_rate_per_sec"`
	StatusBurst      int     `yaml:"status_burst" mapstructure:"status_burst"`
	ProofWindowMins  int     `yaml:"proof_window_mins" mapstructure:"proof_window_mins"`
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec" mapstructure:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst" mapstructure:"submit_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "coordinator.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.status_rate_per_sec", 5.0)
	v.SetDefault("server.status_burst", 10)
	v.SetDefault("server.proof_window_mins", 5)
	v.SetDefault("server.submit_rate_per_sec", 2.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("epoch.duration_mins", 240)
	v.SetDefault("epoch.deadline_offset_mins", 0)
	v.SetDefault("epoch.retention_days", 7)
	v.SetDefault("epoch.cooldown_epochs", 6)
	v.SetDefault("catalog.path", "catalog.yaml")
	v.SetDefault("catalog.primary_multiplier", 1.5)
	v.SetDefault("catalog.secondary_multiplier", 1.0)
	v.SetDefault("catalog.tertiary_multiplier", 0.6)
	v.SetDefault("registry.path", "submitters.yaml")
	v.SetDefault("assignment.target_yield", 10000)
	v.SetDefault("assignment.tolerance", 0.10)
	v.SetDefault("assignment.min_unit_yield", 50)
	v.SetDefault("assignment.max_unit_yield", 8000)
	v.SetDefault("assignment.max_attempts", 200)
	v.SetDefault("grouping.chunk_size", 20)
	v.SetDefault("grouping.overlap_factor", 2)
	v.SetDefault("grouping.group_size", 5)
	v.SetDefault("grouping.min_overlap", 2)
	v.SetDefault("grouping.min_group_size", 2)
	v.SetDefault("consensus.resolve_threshold", 0.6)
	v.SetDefault("consensus.escalation_threshold", 0.7)
	v.SetDefault("consensus.sync_window", 30*time.Second)
	v.SetDefault("consensus.numeric_rel_tolerance", 0.05)
	v.SetDefault("consensus.numeric_abs_tolerance", 2)
	v.SetDefault("consensus.jaccard_tolerance", 0.8)
	v.SetDefault("consensus.agree_alpha", 0.05)
	v.SetDefault("consensus.outlier_alpha", 0.08)
	v.SetDefault("consensus.anomaly_alpha", 0.25)
	v.SetDefault("consensus.no_response_alpha", 0.05)
	v.SetDefault("consensus.no_response_streak", 3)
	v.SetDefault("consensus.max_concurrency", 8)
	v.SetDefault("consensus.spot_check_resource", "ground_truth")
	v.SetDefault("budget.monthly_call_allowance", 1000)
	v.SetDefault("budget.daily_safety_buffer_percent", 10)
	v.SetDefault("budget.emergency_ratio", 0.9)
	v.SetDefault("budget.premium_value_threshold", 500000)
	v.SetDefault("verify.base_url", "https://truth.gridharvest.io")
	v.SetDefault("verify.enabled", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings the coordinator cannot run without.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return eris.New("config: auth.secret is required")
	}
	if err := c.Epoch.Schedule().Validate(); err != nil {
		return err
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url required for postgres")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
