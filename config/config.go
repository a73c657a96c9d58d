package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      Logger         `mapstructure:"logger"`
	DB       Database       `mapstructure:"database"`
	API      API            `mapstructure:"api"`
	Agent    AgentAPI       `mapstructure:"agent"`
	Runner   Runner         `mapstructure:"runner"`
	Janitor  Janitor        `mapstructure:"janitor"`
	Cache    Cache          `mapstructure:"cache"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type Logger struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type Database struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	TimeZone        string `mapstructure:"time_zone"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	LogLevel        string `mapstructure:"log_level"`
}

type API struct {
	Port int `mapstructure:"port"`
}

// AgentAPI configures the remote task-execution API client.
type AgentAPI struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	StreamTimeout       time.Duration `mapstructure:"stream_timeout"`
	MaxRequestPerMinute int           `mapstructure:"max_request_per_minute"`
}

// Runner configures the per-task lifecycle state machines.
type Runner struct {
	MaxConcurrency      int64         `mapstructure:"max_concurrency"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	SlowPollInterval    time.Duration `mapstructure:"slow_poll_interval"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling      time.Duration `mapstructure:"backoff_ceiling"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MaxStreamReconnects int           `mapstructure:"max_stream_reconnects"`
}

type Janitor struct {
	CronExpression string        `mapstructure:"cron_expression"`
	EventRetention time.Duration `mapstructure:"event_retention"`
}

type Cache struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type TelegramConfig struct {
	BotToken                  string `mapstructure:"bot_token"`
	ChatID                    string `mapstructure:"chat_id"`
	MaxGlobalRequestPerSecond int    `mapstructure:"max_global_request_per_second"`
}

func Load() (*Config, error) {
	// Local development convenience; in deployment the variables are
	// already in the environment.
	_ = godotenv.Load()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults()

	// A config file is optional; environment variables alone are enough.
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "json")
	viper.SetDefault("api.port", 8080)

	viper.SetDefault("agent.timeout", 30*time.Second)
	viper.SetDefault("agent.stream_timeout", 570*time.Second)
	viper.SetDefault("agent.max_request_per_minute", 120)

	viper.SetDefault("runner.max_concurrency", 32)
	viper.SetDefault("runner.tick_interval", time.Second)
	viper.SetDefault("runner.slow_poll_interval", 10*time.Second)
	viper.SetDefault("runner.backoff_base", time.Second)
	viper.SetDefault("runner.backoff_ceiling", 30*time.Second)
	viper.SetDefault("runner.max_attempts", 10)
	viper.SetDefault("runner.max_stream_reconnects", 5)

	viper.SetDefault("janitor.cron_expression", "* * * * *")
	viper.SetDefault("janitor.event_retention", 30*24*time.Hour)

	viper.SetDefault("cache.default_expiration", 5*time.Second)
	viper.SetDefault("cache.cleanup_interval", time.Minute)

	viper.SetDefault("telegram.max_global_request_per_second", 30)
}
