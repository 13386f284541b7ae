package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine. It is loaded once at startup
// and passed by value into constructors; nothing reads it through globals.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Direct    DirectConfig    `yaml:"direct"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Landing   LandingConfig   `yaml:"landing"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Grouping  GroupingConfig  `yaml:"grouping"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Budget    BudgetConfig    `yaml:"budget"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the bind address for the HTTP listener.
func (c ServerConfig) GetHost() string {
	if c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds settings for the tick-lock / metrics cache.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// DirectConfig holds Yandex.Direct API client settings.
type DirectConfig struct {
	Token          string `yaml:"token"`
	Sandbox        bool   `yaml:"sandbox"`
	BaseURL        string `yaml:"base_url"`
	SandboxBaseURL string `yaml:"sandbox_base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RegionIDs      []int  `yaml:"region_ids"`
	Language       string `yaml:"language"`
}

// Timeout returns the per-call timeout for platform requests.
func (c DirectConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Endpoint returns the active API base URL for the configured mode.
func (c DirectConfig) Endpoint() string {
	if c.Sandbox {
		return c.SandboxBaseURL
	}
	return c.BaseURL
}

// OpenAIConfig holds AI content service settings.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// Timeout returns the per-call timeout for AI requests.
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LandingConfig holds landing-page fetch settings.
type LandingConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxTextLength  int `yaml:"max_text_length"`
}

// Timeout returns the fetch timeout for landing pages.
func (c LandingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ScoringConfig holds keyword priority formula weights. The formula is fixed
// in shape (monotone in each signal); only the weights are tunable.
type ScoringConfig struct {
	VolumeWeight      float64 `yaml:"volume_weight"`
	RelevanceWeight   float64 `yaml:"relevance_weight"`
	CompetitionWeight float64 `yaml:"competition_weight"`
	VolumeSaturation  float64 `yaml:"volume_saturation"` // searches/month where the volume signal levels off
}

// GroupingConfig holds semantic core construction policy.
type GroupingConfig struct {
	MaxKeywordsPerGroup int     `yaml:"max_keywords_per_group"`
	MinPriority         float64 `yaml:"min_priority"`
}

// RotationConfig holds A/B creative rotation thresholds.
type RotationConfig struct {
	MaxActivePerGroup int `yaml:"max_active_per_group"`
	MinImpressions    int `yaml:"min_impressions"`
	MinDwellTimeHours int `yaml:"min_dwell_time_hours"`
}

// MinDwell returns the minimum time a variant must stay Active before it can
// be retired.
func (c RotationConfig) MinDwell() time.Duration {
	return time.Duration(c.MinDwellTimeHours) * time.Hour
}

// BudgetConfig holds daily budget and allocation policy.
type BudgetConfig struct {
	DailyTotal    float64 `yaml:"daily_total"`
	Currency      string  `yaml:"currency"`
	GroupFloor    float64 `yaml:"group_floor"`
	GroupCap      float64 `yaml:"group_cap"`
	BlendAlpha    float64 `yaml:"blend_alpha"` // weight of priority vs observed efficiency
	MaxIterations int     `yaml:"max_iterations"`
}

// ForecastConfig holds the heuristic rates used for informational forecasts.
type ForecastConfig struct {
	AvgCPC         float64 `yaml:"avg_cpc"`
	CTR            float64 `yaml:"ctr"`
	ConversionRate float64 `yaml:"conversion_rate"`
}

// OptimizerConfig holds the optimization loop schedule and failure policy.
type OptimizerConfig struct {
	TickIntervalSeconds int     `yaml:"tick_interval_seconds"`
	TickJitterFraction  float64 `yaml:"tick_jitter_fraction"` // 0..1 of the interval
	RetryLimit          int     `yaml:"retry_limit"`
	RetryBackoffSeconds int     `yaml:"retry_backoff_seconds"`
	MetricsLookbackMins int     `yaml:"metrics_lookback_minutes"`
}

// TickInterval returns the base interval between optimization passes.
func (c OptimizerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// RetryBackoff returns the base backoff for retrying platform calls.
func (c OptimizerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// MetricsLookback returns how far back each tick pulls metrics.
func (c OptimizerConfig) MetricsLookback() time.Duration {
	return time.Duration(c.MetricsLookbackMins) * time.Minute
}

// StorageConfig holds plan/metrics snapshot storage settings.
type StorageConfig struct {
	LocalPath  string `yaml:"local_path"`
	S3Enabled  bool   `yaml:"s3_enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
}

// Load reads and parses the YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Defaults returns a config with all defaults applied and no file loaded.
func Defaults() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Direct.BaseURL == "" {
		cfg.Direct.BaseURL = "https://api.direct.yandex.com/json/v5"
	}
	if cfg.Direct.SandboxBaseURL == "" {
		cfg.Direct.SandboxBaseURL = "https://api-sandbox.direct.yandex.com/json/v5"
	}
	if cfg.Direct.TimeoutSeconds == 0 {
		cfg.Direct.TimeoutSeconds = 30
	}
	if len(cfg.Direct.RegionIDs) == 0 {
		cfg.Direct.RegionIDs = []int{225} // Russia
	}
	if cfg.Direct.Language == "" {
		cfg.Direct.Language = "ru"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o"
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.OpenAI.TimeoutSeconds == 0 {
		cfg.OpenAI.TimeoutSeconds = 60
	}
	if cfg.OpenAI.MaxTokens == 0 {
		cfg.OpenAI.MaxTokens = 4000
	}
	if cfg.Landing.TimeoutSeconds == 0 {
		cfg.Landing.TimeoutSeconds = 10
	}
	if cfg.Landing.MaxTextLength == 0 {
		cfg.Landing.MaxTextLength = 5000
	}
	if cfg.Scoring.VolumeWeight == 0 {
		cfg.Scoring.VolumeWeight = 0.4
	}
	if cfg.Scoring.RelevanceWeight == 0 {
		cfg.Scoring.RelevanceWeight = 0.4
	}
	if cfg.Scoring.CompetitionWeight == 0 {
		cfg.Scoring.CompetitionWeight = 0.2
	}
	if cfg.Scoring.VolumeSaturation == 0 {
		cfg.Scoring.VolumeSaturation = 10000
	}
	if cfg.Grouping.MaxKeywordsPerGroup == 0 {
		cfg.Grouping.MaxKeywordsPerGroup = 10
	}
	if cfg.Rotation.MaxActivePerGroup == 0 {
		cfg.Rotation.MaxActivePerGroup = 2
	}
	if cfg.Rotation.MinImpressions == 0 {
		cfg.Rotation.MinImpressions = 500
	}
	if cfg.Rotation.MinDwellTimeHours == 0 {
		cfg.Rotation.MinDwellTimeHours = 24
	}
	if cfg.Budget.Currency == "" {
		cfg.Budget.Currency = "RUB"
	}
	if cfg.Budget.BlendAlpha == 0 {
		cfg.Budget.BlendAlpha = 0.6
	}
	if cfg.Budget.MaxIterations == 0 {
		cfg.Budget.MaxIterations = 10
	}
	if cfg.Forecast.AvgCPC == 0 {
		cfg.Forecast.AvgCPC = 45
	}
	if cfg.Forecast.CTR == 0 {
		cfg.Forecast.CTR = 0.025
	}
	if cfg.Forecast.ConversionRate == 0 {
		cfg.Forecast.ConversionRate = 0.08
	}
	if cfg.Optimizer.TickIntervalSeconds == 0 {
		cfg.Optimizer.TickIntervalSeconds = 300
	}
	if cfg.Optimizer.TickJitterFraction == 0 {
		cfg.Optimizer.TickJitterFraction = 0.1
	}
	if cfg.Optimizer.RetryLimit == 0 {
		cfg.Optimizer.RetryLimit = 3
	}
	if cfg.Optimizer.RetryBackoffSeconds == 0 {
		cfg.Optimizer.RetryBackoffSeconds = 2
	}
	if cfg.Optimizer.MetricsLookbackMins == 0 {
		cfg.Optimizer.MetricsLookbackMins = 60
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file first (if present) so secrets can live in .env locally
// and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DIRECT_API_TOKEN"); v != "" {
		cfg.Direct.Token = v
	}
	if v := os.Getenv("DIRECT_SANDBOX"); v != "" {
		cfg.Direct.Sandbox = v == "true" || v == "1"
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.S3Enabled = true
	}
	if v := os.Getenv("STORAGE_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}

	return cfg, nil
}

// Validate checks the cross-field constraints that would otherwise surface as
// confusing allocator or loop failures at runtime.
func (c *Config) Validate() error {
	if c.Budget.DailyTotal < 0 {
		return fmt.Errorf("budget.daily_total must be non-negative, got %.2f", c.Budget.DailyTotal)
	}
	if c.Budget.GroupCap > 0 && c.Budget.GroupFloor > c.Budget.GroupCap {
		return fmt.Errorf("budget.group_floor %.2f exceeds group_cap %.2f", c.Budget.GroupFloor, c.Budget.GroupCap)
	}
	if c.Budget.BlendAlpha < 0 || c.Budget.BlendAlpha > 1 {
		return fmt.Errorf("budget.blend_alpha must be in [0,1], got %.2f", c.Budget.BlendAlpha)
	}
	if c.Optimizer.TickJitterFraction < 0 || c.Optimizer.TickJitterFraction > 1 {
		return fmt.Errorf("optimizer.tick_jitter_fraction must be in [0,1], got %.2f", c.Optimizer.TickJitterFraction)
	}
	w := c.Scoring.VolumeWeight + c.Scoring.RelevanceWeight + c.Scoring.CompetitionWeight
	if w <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %.2f", w)
	}
	return nil
}
