package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"` // snowflake worker id, unique per instance
}

type LogConfig struct {
	Env   string `mapstructure:"env"` // prod logs JSON
	Level string `mapstructure:"level"`
}

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type BadgerConfig struct {
	Path string `mapstructure:"path"` // empty runs in memory
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerMirror string `mapstructure:"ledger_mirror"`
}

// ArchiveConfig points at an S3 compatible bucket (Cloudflare R2 by default)
// that receives one receipt object per mirrored transaction.
type ArchiveConfig struct {
	AccountID       string `mapstructure:"account_id"`
	Endpoint        string `mapstructure:"endpoint"` // overrides the R2 endpoint derived from AccountID
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type LedgerConfig struct {
	ReturnRatio             float64       `mapstructure:"return_ratio"`
	DefaultLockDurationDays int           `mapstructure:"default_lock_duration_days"`
	LockMode                string        `mapstructure:"lock_mode"` // escrow|freeze
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize          int           `mapstructure:"sweep_batch_size"`
	SweepMaxBatches         int           `mapstructure:"sweep_max_batches"`
	SweepLockTTL            time.Duration `mapstructure:"sweep_lock_ttl"`
}

const (
	NetworkKafka     = "kafka"
	NetworkArchive   = "archive"
	NetworkSimulated = "simulated"
)

type MirrorConfig struct {
	Networks      []string      `mapstructure:"networks"` // kafka|archive|simulated
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	Workers       int           `mapstructure:"workers"`
	SimulateFails int           `mapstructure:"simulate_fail_every"` // simulated network fails every Nth publish
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("log.env", "dev")
	v.SetDefault("log.level", "")

	v.SetDefault("storage.driver", DriverMemory)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "modledger")

	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 50)
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "modledger")

	v.SetDefault("badger.path", "data/ledger")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic.ledger_mirror", "ledger-mirror")

	v.SetDefault("archive.account_id", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "auto")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.access_key_secret", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "ledger/receipts")
	v.SetDefault("archive.use_path_style", false)

	v.SetDefault("ledger.return_ratio", 0.5)
	v.SetDefault("ledger.default_lock_duration_days", 14)
	v.SetDefault("ledger.lock_mode", "escrow")
	v.SetDefault("ledger.sweep_interval", time.Minute)
	v.SetDefault("ledger.sweep_batch_size", 100)
	v.SetDefault("ledger.sweep_max_batches", 10)
	v.SetDefault("ledger.sweep_lock_ttl", 5*time.Minute)

	v.SetDefault("mirror.networks", []string{NetworkSimulated})
	v.SetDefault("mirror.interval", 5*time.Second)
	v.SetDefault("mirror.batch_size", 100)
	v.SetDefault("mirror.max_attempts", 5)
	v.SetDefault("mirror.base_backoff", 2*time.Second)
	v.SetDefault("mirror.max_backoff", 5*time.Minute)
	v.SetDefault("mirror.workers", 4)
	v.SetDefault("mirror.simulate_fail_every", 0)
}

// LoadConfig reads the YAML file at configPath, overlaid by a .env file in
// the working directory (when present) and LEDGER_* environment variables,
// e.g. LEDGER_STORAGE_DRIVER=postgres. A missing config file leaves the
// defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL, DriverPostgres, DriverBadger:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Ledger.ReturnRatio < 0 || c.Ledger.ReturnRatio > 1 {
		return fmt.Errorf("ledger.return_ratio must be within [0, 1], got %v", c.Ledger.ReturnRatio)
	}
	if c.Ledger.DefaultLockDurationDays < 0 {
		return fmt.Errorf("ledger.default_lock_duration_days must not be negative")
	}
	if c.Ledger.LockMode != "escrow" && c.Ledger.LockMode != "freeze" {
		return fmt.Errorf("ledger.lock_mode: unknown mode %q", c.Ledger.LockMode)
	}
	if c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("ledger.sweep_interval must be positive")
	}
	for _, n := range c.Mirror.Networks {
		switch n {
		case NetworkKafka:
			if len(c.Kafka.Brokers) == 0 {
				return fmt.Errorf("mirror network kafka needs kafka.brokers")
			}
		case NetworkArchive:
			if c.Archive.Bucket == "" {
				return fmt.Errorf("mirror network archive needs archive.bucket")
			}
		case NetworkSimulated:
		default:
			return fmt.Errorf("mirror.networks: unknown network %q", n)
		}
	}
	return nil
}
