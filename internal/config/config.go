package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Email    EmailConfig    `mapstructure:"email"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BaseURL is the externally reachable address used when building
	// confirmation links, e.g. https://news.example.com.
	BaseURL string `mapstructure:"base_url"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers       int             `mapstructure:"workers"`
	PollInterval  time.Duration   `mapstructure:"poll_interval"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	MaxRetries    int             `mapstructure:"max_retries"`
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
	// ReclaimAfter applies to the SQLite queue only: a claim older than
	// this is assumed to belong to a crashed worker and becomes claimable
	// again.
	ReclaimAfter time.Duration `mapstructure:"reclaim_after"`
	// StartupGrace bounds how long workers tolerate a broken store before
	// giving up and letting the supervisor restart the process.
	StartupGrace time.Duration `mapstructure:"startup_grace"`
}

type EmailConfig struct {
	Driver        string          `mapstructure:"driver"`
	SenderAddress string          `mapstructure:"sender_address"`
	SenderName    string          `mapstructure:"sender_name"`
	API           EmailAPIConfig  `mapstructure:"api"`
	SMTP          EmailSMTPConfig `mapstructure:"smtp"`
}

type EmailAPIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ServerToken string        `mapstructure:"server_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EmailSMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("letterdrop")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/letterdrop")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LETTERDROP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.base_url", "http://localhost:8080")

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/letterdrop.db")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.user", "postgres")
	viper.SetDefault("storage.postgres.database", "letterdrop")
	viper.SetDefault("storage.postgres.ssl_mode", "prefer")

	viper.SetDefault("delivery.workers", 2)
	viper.SetDefault("delivery.poll_interval", 1*time.Second)
	viper.SetDefault("delivery.timeout", 10*time.Second)
	viper.SetDefault("delivery.max_retries", 3)
	viper.SetDefault("delivery.retry_schedule", []time.Duration{
		10 * time.Second,
		1 * time.Minute,
		5 * time.Minute,
	})
	viper.SetDefault("delivery.reclaim_after", 5*time.Minute)
	viper.SetDefault("delivery.startup_grace", 2*time.Minute)

	viper.SetDefault("email.driver", "api")
	viper.SetDefault("email.sender_address", "newsletter@localhost")
	viper.SetDefault("email.sender_name", "Letterdrop")
	viper.SetDefault("email.api.base_url", "http://localhost:2525")
	viper.SetDefault("email.api.timeout", 10*time.Second)
	viper.SetDefault("email.smtp.port", 587)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
