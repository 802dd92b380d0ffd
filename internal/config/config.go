// Package config loads application configuration from defaults, an optional
// YAML file and NOTIFY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. Nested keys use "__",
// e.g. NOTIFY_QUEUE__POLL_INTERVAL=2s.
const EnvPrefix = "NOTIFY_"

// Directory drivers.
const (
	DirectoryMongo    = "mongo"
	DirectoryPostgres = "postgres"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Redis     RedisConfig     `koanf:"redis"`
	Queue     QueueConfig     `koanf:"queue"`
	Directory DirectoryConfig `koanf:"directory"`
	Mongo     MongoConfig     `koanf:"mongo"`
	Database  DatabaseConfig  `koanf:"database"`
	FCM       FCMConfig       `koanf:"fcm"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Auth      AuthConfig      `koanf:"auth"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures the root slog logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RedisConfig configures the queue store connection.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	PoolSize        int           `koanf:"pool_size"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// QueueConfig configures the queue and its processor.
type QueueConfig struct {
	Prefix         string        `koanf:"prefix"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	ItemDelay      time.Duration `koanf:"item_delay"`
	ItemTimeout    time.Duration `koanf:"item_timeout"`
	FanOutLimit    int           `koanf:"fan_out_limit"`
	RecoverOnStart bool          `koanf:"recover_on_start"`
}

// DirectoryConfig selects the token directory backend.
type DirectoryConfig struct {
	Driver string `koanf:"driver"`
}

// MongoConfig configures the mongo directory.
type MongoConfig struct {
	URI             string        `koanf:"uri"`
	Database        string        `koanf:"database"`
	Collection      string        `koanf:"collection"`
	TokenField      string        `koanf:"token_field"`
	MaxPoolSize     uint64        `koanf:"max_pool_size"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// DatabaseConfig configures the postgres directory.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// FCMConfig configures the delivery client.
type FCMConfig struct {
	Enabled         bool          `koanf:"enabled"`
	ProjectID       string        `koanf:"project_id"`
	CredentialsFile string        `koanf:"credentials_file"`
	CredentialsJSON string        `koanf:"credentials_json"`
	Endpoint        string        `koanf:"endpoint"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimit       float64       `koanf:"rate_limit"`
	Burst           int           `koanf:"burst"`
}

// KafkaConfig configures the optional event bridge.
type KafkaConfig struct {
	Enabled bool          `koanf:"enabled"`
	Brokers []string      `koanf:"brokers"`
	Topic   string        `koanf:"topic"`
	GroupID string        `koanf:"group_id"`
	MaxWait time.Duration `koanf:"max_wait"`
}

// AlertsConfig configures operator alerts for quarantined notifications.
type AlertsConfig struct {
	MattermostWebhookURL string        `koanf:"mattermost_webhook_url"`
	Username             string        `koanf:"username"`
	IconURL              string        `koanf:"icon_url"`
	Channel              string        `koanf:"channel"`
	Timeout              time.Duration `koanf:"timeout"`
}

// AuthConfig configures operator token validation.
type AuthConfig struct {
	Secret string `koanf:"secret"`
	Issuer string `koanf:"issuer"`
}

// Default returns configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			URL:             "redis://localhost:6379/0",
			PoolSize:        10,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Queue: QueueConfig{
			Prefix:       "push_queue",
			PollInterval: 5 * time.Second,
			ItemDelay:    100 * time.Millisecond,
			ItemTimeout:  30 * time.Second,
			FanOutLimit:  10,
		},
		Directory: DirectoryConfig{
			Driver: DirectoryMongo,
		},
		Mongo: MongoConfig{
			URI:             "mongodb://localhost:27017",
			Database:        "epharmacy",
			Collection:      "users",
			TokenField:      "fcmToken",
			MaxPoolSize:     20,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		FCM: FCMConfig{
			Timeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:   "push-notifications",
			GroupID: "epharmacy-notify",
			MaxWait: time.Second,
		},
		Alerts: AlertsConfig{
			Timeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer: "epharmacy",
		},
	}
}

// Load builds configuration. A .env file in the working directory is loaded
// into the environment first when present. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps NOTIFY_QUEUE__POLL_INTERVAL to queue.poll_interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks the configuration for inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Redis.ConnectAttempts < 1 {
		errs = append(errs, errors.New("redis.connect_attempts must be positive"))
	}

	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.ItemTimeout <= 0 {
		errs = append(errs, errors.New("queue.item_timeout must be positive"))
	}
	if c.Queue.ItemDelay < 0 {
		errs = append(errs, errors.New("queue.item_delay must not be negative"))
	}
	if c.Queue.FanOutLimit < 1 {
		errs = append(errs, errors.New("queue.fan_out_limit must be positive"))
	}

	switch c.Directory.Driver {
	case DirectoryMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.uri and mongo.database are required for the mongo directory"))
		}
		if c.Mongo.ConnectAttempts < 1 {
			errs = append(errs, errors.New("mongo.connect_attempts must be positive"))
		}
	case DirectoryPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres directory"))
		}
		if c.Database.ConnectAttempts < 1 {
			errs = append(errs, errors.New("database.connect_attempts must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.driver: unknown driver %q", c.Directory.Driver))
	}

	if c.FCM.Enabled && c.FCM.ProjectID == "" {
		errs = append(errs, errors.New("fcm.project_id is required when fcm is enabled"))
	}
	if c.FCM.RateLimit < 0 {
		errs = append(errs, errors.New("fcm.rate_limit must not be negative"))
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		errs = append(errs, errors.New("kafka.brokers, kafka.topic and kafka.group_id are required when kafka is enabled"))
	}

	if u := c.Alerts.MattermostWebhookURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, errors.New("alerts.mattermost_webhook_url must be an http(s) URL"))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}

	return errors.Join(errs...)
}

// ConfigPath returns the config file path from NOTIFY_CONFIG, or def when unset.
func ConfigPath(def string) string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return def
}
