package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the deep research system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, anthropic
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model each workflow role uses
type LLMRoutingConfig struct {
	Coordinator  string `mapstructure:"coordinator"`  // clarification turns
	Planner      string `mapstructure:"planner"`      // plan generation
	Researcher   string `mapstructure:"researcher"`   // research steps
	Coder        string `mapstructure:"coder"`        // processing steps
	Reporter     string `mapstructure:"reporter"`     // report synthesis
	Investigator string `mapstructure:"investigator"` // background investigation
	Fallback     string `mapstructure:"fallback"`
}

// ResearchConfig contains workflow defaults applied when a request leaves them unset
type ResearchConfig struct {
	MaxStepNum                    int    `mapstructure:"max_step_num"`
	MaxPlanIterations             int    `mapstructure:"max_plan_iterations"`
	EnableClarification           bool   `mapstructure:"enable_clarification"`
	EnableBackgroundInvestigation bool   `mapstructure:"enable_background_investigation"`
	AutoAcceptPlan                bool   `mapstructure:"auto_accept_plan"`
	AbortOnStepFailure            bool   `mapstructure:"abort_on_step_failure"`
	ReportStyle                   string `mapstructure:"report_style"`
	Locale                        string `mapstructure:"locale"`
}

// SearchConfig contains web search settings
type SearchConfig struct {
	Provider     string        `mapstructure:"provider"` // brave, serper
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains page fetch settings for the research agent
type FetchConfig struct {
	Fetcher      string        `mapstructure:"fetcher"` // readability, chromedp
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	PagesPerStep int           `mapstructure:"pages_per_step"`
}

// ArchiveConfig contains the session page archive settings
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // empty = in-memory index
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" || p.DBName == "" {
		return ""
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("deepresearch")
	viper.SetConfigType("json")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("DEEPRESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults apply when absent
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")

	viper.SetDefault("server.listen", ":8080")

	viper.SetDefault("llm.routing.coordinator", "gpt-4o-mini")
	viper.SetDefault("llm.routing.planner", "gpt-4o")
	viper.SetDefault("llm.routing.researcher", "gpt-4o-mini")
	viper.SetDefault("llm.routing.coder", "gpt-4o-mini")
	viper.SetDefault("llm.routing.reporter", "gpt-4o")
	viper.SetDefault("llm.routing.investigator", "gpt-4o-mini")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	viper.SetDefault("research.max_step_num", 5)
	viper.SetDefault("research.max_plan_iterations", 1)
	viper.SetDefault("research.enable_clarification", true)
	viper.SetDefault("research.enable_background_investigation", true)
	viper.SetDefault("research.auto_accept_plan", true)
	viper.SetDefault("research.abort_on_step_failure", false)
	viper.SetDefault("research.report_style", "academic")
	viper.SetDefault("research.locale", "en-US")

	viper.SetDefault("search.provider", "brave")
	viper.SetDefault("search.max_results", 8)
	viper.SetDefault("search.timeout", "30s")

	viper.SetDefault("fetch.fetcher", "readability")
	viper.SetDefault("fetch.timeout", "15s")
	viper.SetDefault("fetch.max_chars", 20000)
	viper.SetDefault("fetch.pages_per_step", 3)

	viper.SetDefault("archive.enabled", true)
	viper.SetDefault("archive.path", "")

	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")
	viper.SetDefault("storage.redis.host", "")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.redis.ttl", "24h")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
}

// overrideFromEnv overrides configuration with well-known environment variables
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.openai.api_key", apiKey)
		if !viper.IsSet("llm.providers.openai.type") {
			seedOpenAIProvider()
		}
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.anthropic.api_key", apiKey)
		if !viper.IsSet("llm.providers.anthropic.type") {
			viper.Set("llm.providers.anthropic.type", "anthropic")
			viper.Set("llm.providers.anthropic.timeout", "120s")
		}
	}

	if apiKey := os.Getenv("BRAVE_SEARCH_KEY"); apiKey != "" {
		viper.Set("search.brave_api_key", apiKey)
	}
	if apiKey := os.Getenv("SERPER_API_KEY"); apiKey != "" {
		viper.Set("search.serper_api_key", apiKey)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}

	if secret := os.Getenv("DEEPRESEARCH_JWT_SECRET"); secret != "" {
		viper.Set("server.jwt_secret", secret)
	}
}

// seedOpenAIProvider registers an openai provider with the models the default
// routing table points at, so an API key in the environment is enough to run
// without a config file.
func seedOpenAIProvider() {
	viper.Set("llm.providers.openai.type", "openai")
	viper.Set("llm.providers.openai.timeout", "120s")

	viper.Set("llm.providers.openai.models.gpt-4o-mini.name", "gpt-4o-mini")
	viper.Set("llm.providers.openai.models.gpt-4o-mini.max_tokens", 4096)
	viper.Set("llm.providers.openai.models.gpt-4o-mini.cost_per_1k_input", 0.00015)
	viper.Set("llm.providers.openai.models.gpt-4o-mini.cost_per_1k_output", 0.0006)

	viper.Set("llm.providers.openai.models.gpt-4o.name", "gpt-4o")
	viper.Set("llm.providers.openai.models.gpt-4o.max_tokens", 8192)
	viper.Set("llm.providers.openai.models.gpt-4o.cost_per_1k_input", 0.0025)
	viper.Set("llm.providers.openai.models.gpt-4o.cost_per_1k_output", 0.01)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if len(config.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}

	routingModels := []string{
		config.LLM.Routing.Coordinator,
		config.LLM.Routing.Planner,
		config.LLM.Routing.Researcher,
		config.LLM.Routing.Coder,
		config.LLM.Routing.Reporter,
		config.LLM.Routing.Investigator,
		config.LLM.Routing.Fallback,
	}

	for _, model := range routingModels {
		if model == "" {
			continue
		}
		found := false
		for _, provider := range config.LLM.Providers {
			for _, providerModel := range provider.Models {
				if providerModel.Name == model {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return fmt.Errorf("routing model '%s' not found in any provider", model)
		}
	}

	if config.Research.MaxStepNum <= 0 {
		return fmt.Errorf("research.max_step_num must be positive")
	}
	if config.Research.MaxPlanIterations <= 0 {
		return fmt.Errorf("research.max_plan_iterations must be positive")
	}

	return nil
}
