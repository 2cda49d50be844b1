// Package config loads the service configuration with viper. Every key can
// be overridden from the environment with the SKETCH_ prefix, for example
// SKETCH_DATABASE_DRIVER=sqlite.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		HTTPPort        string        `mapstructure:"http_port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Sketch   struct {
		LgK        uint8 `mapstructure:"lg_k"`
		NumStdDevs uint8 `mapstructure:"num_std_devs"`
		Functions  struct {
			Build    string `mapstructure:"build"`
			Union    string `mapstructure:"union"`
			Estimate string `mapstructure:"estimate"`
		} `mapstructure:"functions"`
	} `mapstructure:"sketch"`
	Cache struct {
		Enabled bool          `mapstructure:"enabled"`
		Addr    string        `mapstructure:"addr"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Group   string   `mapstructure:"group"`
		Topics  []string `mapstructure:"topics"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

type Database struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Path            string        `mapstructure:"path"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PoolConfig translates the database section into a db.Config.
func (d Database) PoolConfig() db.Config {
	cfg := db.Config{
		Driver:         db.Driver(d.Driver),
		ReplicaDSNs:    d.Replicas,
		MaxConnections: d.MaxConnections,
		MaxIdleConns:   d.MaxIdleConns,
		ConnMaxLife:    d.ConnMaxLifetime,
	}
	switch cfg.Driver {
	case db.SQLite:
		cfg.PrimaryDSN = db.SQLiteDSN(d.Path)
		cfg.ReplicaDSNs = nil
	default:
		cfg.PrimaryDSN = db.PostgresDSN(d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.driver", string(db.Postgres))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "test")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.replicas", []string{})
	v.SetDefault("database.max_connections", 5)
	v.SetDefault("database.max_idle_connections", 2)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.path", "sketch-counter.sqlite")
	v.SetDefault("database.migrate", true)

	v.SetDefault("sketch.lg_k", 12)
	v.SetDefault("sketch.num_std_devs", 2)
	v.SetDefault("sketch.functions.build", "theta_sketch_build")
	v.SetDefault("sketch.functions.union", "theta_sketch_union")
	v.SetDefault("sketch.functions.estimate", "theta_sketch_get_estimate")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group", "sketch-counter")
	v.SetDefault("kafka.topics", []string{"events"})
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads config.yaml from ./config or the working directory if present,
// applies environment overrides and defaults, and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("SKETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch db.Driver(c.Database.Driver) {
	case db.Postgres, db.SQLite:
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Server.HTTPPort == "" {
		return errors.New("server.http_port is required")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0 {
			return errors.New("kafka: brokers and topics are required when enabled")
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: expected json or text, got %q", c.Log.Format)
	}
	return nil
}
