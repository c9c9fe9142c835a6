package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/ncm-audit/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Tenants   TenantsConfig   `yaml:"tenants" mapstructure:"tenants"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the shared golden-set database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// TenantsConfig configures the tenant registry and tenant-isolated stores.
type TenantsConfig struct {
	File        string             `yaml:"file" mapstructure:"file"`
	Driver      string             `yaml:"driver" mapstructure:"driver"`
	SQLiteDir   string             `yaml:"sqlite_dir" mapstructure:"sqlite_dir"`
	DatabaseURL string             `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32              `yaml:"max_conns" mapstructure:"max_conns"`
	Defaults    model.TenantConfig `yaml:"defaults" mapstructure:"defaults"`
}

// PipelineConfig configures reconciliation and stage behavior shared by all
// tenants.
type PipelineConfig struct {
	NCMWeight             float64       `yaml:"ncm_weight" mapstructure:"ncm_weight"`
	CESTWeight            float64       `yaml:"cest_weight" mapstructure:"cest_weight"`
	GoldenSimilarityFloor float64       `yaml:"golden_similarity_floor" mapstructure:"golden_similarity_floor"`
	GoldenLookupTimeout   time.Duration `yaml:"golden_lookup_timeout" mapstructure:"golden_lookup_timeout"`
	RetryBackoffMs        int           `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs     int           `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// AnthropicConfig holds the classifier provider settings.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("NCMAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	defaults := model.DefaultTenantConfig()
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "golden.db")
	v.SetDefault("tenants.file", "tenants.yaml")
	v.SetDefault("tenants.driver", "sqlite")
	v.SetDefault("tenants.sqlite_dir", "data/tenants")
	v.SetDefault("tenants.max_conns", 4)
	v.SetDefault("tenants.defaults.auto_approve_threshold", defaults.AutoApproveThreshold)
	v.SetDefault("tenants.defaults.review_threshold", defaults.ReviewThreshold)
	v.SetDefault("tenants.defaults.max_retries", defaults.MaxRetries)
	v.SetDefault("tenants.defaults.stage_timeout", defaults.StageTimeout)
	v.SetDefault("tenants.defaults.max_concurrent_products", defaults.MaxConcurrentProducts)
	v.SetDefault("pipeline.ncm_weight", 0.5)
	v.SetDefault("pipeline.cest_weight", 0.5)
	v.SetDefault("pipeline.golden_similarity_floor", 0.85)
	v.SetDefault("pipeline.golden_lookup_timeout", 2*time.Second)
	v.SetDefault("pipeline.retry_backoff_ms", 200)
	v.SetDefault("pipeline.retry_max_backoff_ms", 5000)
	v.SetDefault("tenants.database_url", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.rps", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Pipeline.NCMWeight < 0 || c.Pipeline.CESTWeight < 0 {
		return eris.New("config: reconciliation weights must not be negative")
	}
	if c.Pipeline.NCMWeight+c.Pipeline.CESTWeight <= 0 {
		return eris.New("config: reconciliation weights must not both be zero")
	}
	if c.Pipeline.GoldenSimilarityFloor <= 0 || c.Pipeline.GoldenSimilarityFloor > 1 {
		return eris.Errorf("config: golden_similarity_floor %v outside (0,1]", c.Pipeline.GoldenSimilarityFloor)
	}
	switch c.Tenants.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported tenants driver %q", c.Tenants.Driver)
	}
	if err := c.Tenants.Defaults.Validate(); err != nil {
		return eris.Wrap(err, "config: tenants.defaults")
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
