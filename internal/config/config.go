package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	Environment string                    `mapstructure:"environment"`
	Server      ServerConfig              `mapstructure:"server"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Upstream    UpstreamConfig            `mapstructure:"upstream"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Extraction  ExtractionConfig          `mapstructure:"extraction"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Chat        ChatConfig                `mapstructure:"chat"`
	Finalize    FinalizeConfig            `mapstructure:"finalize"`
	Jobs        JobsConfig                `mapstructure:"jobs"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects one of sqlite3, mysql or postgres. DSN wins over the
// discrete host fields when set.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"db_name"`
	Params       string `mapstructure:"params"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UpstreamConfig describes the OpenAI-compatible endpoint used for streamed chat.
type UpstreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Temperature   float32       `mapstructure:"temperature"`
	TopP          float32       `mapstructure:"top_p"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// ExtractionConfig picks the provider used by finalize. An empty provider
// reuses the upstream endpoint through the openai-compatible client.
type ExtractionConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

type AuthConfig struct {
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	MasterInviteCode string        `mapstructure:"master_invite_code"`
}

type ChatConfig struct {
	HistoryLimit int             `mapstructure:"history_limit"`
	MemoryLimit  int             `mapstructure:"memory_limit"`
	FallbackText string          `mapstructure:"fallback_text"`
	Gibberish    GibberishConfig `mapstructure:"gibberish"`
}

type GibberishConfig struct {
	MinLength       int    `mapstructure:"min_length"`
	FloorLength     int    `mapstructure:"floor_length"`
	Punctuation     string `mapstructure:"punctuation"`
	MaxEllipsisRuns int    `mapstructure:"max_ellipsis_runs"`
}

type FinalizeConfig struct {
	WindowSize        int           `mapstructure:"window_size"`
	EveryTurns        int           `mapstructure:"every_turns"`
	MinWorkers        int           `mapstructure:"min_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout"`
}

type JobsConfig struct {
	SessionSweep     string        `mapstructure:"session_sweep"`
	EventSweep       string        `mapstructure:"event_sweep"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

// Load reads configuration from the provided path, falling back to
// config.json in the working directory. Every key can be overridden through
// AIBUDDY_* environment variables (dots become underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("AIBUDDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "mysql", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url must be configured")
	}
	if c.Upstream.APIKey == "" {
		return errors.New("upstream.api_key must be configured")
	}
	if c.Finalize.EveryTurns < 0 {
		return errors.New("finalize.every_turns must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/aibuddy.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "aibuddy")
	v.SetDefault("database.params", "")
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("upstream.base_url", "https://api.deepseek.com")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.model", "deepseek-chat")
	v.SetDefault("upstream.temperature", 0.45)
	v.SetDefault("upstream.top_p", 0.9)
	v.SetDefault("upstream.stream_timeout", "2m")

	v.SetDefault("extraction.provider", "")
	v.SetDefault("extraction.model", "")
	v.SetDefault("extraction.temperature", 0.2)

	v.SetDefault("auth.session_ttl", "720h") // 30 days
	v.SetDefault("auth.cache_ttl", "1m")
	v.SetDefault("auth.master_invite_code", "")

	v.SetDefault("chat.history_limit", 24)
	v.SetDefault("chat.memory_limit", 20)
	v.SetDefault("chat.fallback_text", "（流式中断）")
	v.SetDefault("chat.gibberish.min_length", 12)
	v.SetDefault("chat.gibberish.floor_length", 2)
	v.SetDefault("chat.gibberish.punctuation", "，。？！、")
	v.SetDefault("chat.gibberish.max_ellipsis_runs", 2)

	v.SetDefault("finalize.window_size", 40)
	v.SetDefault("finalize.every_turns", 0)
	v.SetDefault("finalize.min_workers", 1)
	v.SetDefault("finalize.max_workers", 4)
	v.SetDefault("finalize.queue_size", 64)
	v.SetDefault("finalize.worker_idle_timeout", "30s")

	v.SetDefault("jobs.session_sweep", "0 */30 * * * *")
	v.SetDefault("jobs.event_sweep", "0 15 3 * * *")
	v.SetDefault("jobs.session_retention", "168h")
}
