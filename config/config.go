// Package config loads service configuration from a YAML file with secrets
// supplied through the environment (.env is honored when present).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

// Config is the fully-parsed service configuration.
type Config struct {
	LogLevel string

	// Platform selects the price source: binance, bybit, hyperliquid or static.
	Platform    string
	QuoteSymbol string

	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Snapshot SnapshotConfig

	AnomalyJournalDir string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PriceTTL time.Duration
}

type SnapshotConfig struct {
	DustThreshold     decimal.Decimal
	HourlyRetention   time.Duration
	StandardRetention time.Duration
	// Disabled lists cadences whose scheduled snapshots are switched off.
	Disabled map[domain.Cadence]bool
}

// configTmp mirrors the YAML layout; values needing parsing stay strings here.
type configTmp struct {
	LogLevel    string `yaml:"log_level,omitempty"`
	Platform    string `yaml:"platform"`
	QuoteSymbol string `yaml:"quote_symbol,omitempty"`

	Database struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		User            string        `yaml:"user"`
		DBName          string        `yaml:"dbname"`
		SSLMode         string        `yaml:"sslmode,omitempty"`
		MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
		MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	} `yaml:"database"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
	} `yaml:"kafka"`

	Redis struct {
		Addr     string        `yaml:"addr,omitempty"`
		DB       int           `yaml:"db,omitempty"`
		PriceTTL time.Duration `yaml:"price_ttl,omitempty"`
	} `yaml:"redis"`

	Snapshot struct {
		DustThresholdStr  string        `yaml:"dust_threshold,omitempty"`
		HourlyRetention   time.Duration `yaml:"hourly_retention,omitempty"`
		StandardRetention time.Duration `yaml:"standard_retention,omitempty"`
		Disabled          []string      `yaml:"disabled,omitempty"`
	} `yaml:"snapshot"`

	AnomalyJournalDir string `yaml:"anomaly_journal_dir,omitempty"`
}

// Get reads the YAML config at path and merges environment secrets over it.
func Get(path string) (*Config, error) {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	cfg := &Config{
		LogLevel:          defaultString(tmp.LogLevel, "info"),
		Platform:          defaultString(tmp.Platform, "static"),
		QuoteSymbol:       defaultString(tmp.QuoteSymbol, "USDT"),
		AnomalyJournalDir: tmp.AnomalyJournalDir,
	}

	switch cfg.Platform {
	case "binance", "bybit", "hyperliquid", "static":
	default:
		return nil, errors.Errorf("unsupported platform %q", cfg.Platform)
	}

	cfg.Database = DatabaseConfig{
		Host:            defaultString(tmp.Database.Host, "localhost"),
		Port:            defaultInt(tmp.Database.Port, 5432),
		User:            defaultString(tmp.Database.User, "chainfolio"),
		Password:        os.Getenv("DB_PASSWORD"),
		DBName:          defaultString(tmp.Database.DBName, "chainfolio"),
		SSLMode:         defaultString(tmp.Database.SSLMode, "disable"),
		MaxOpenConns:    defaultInt(tmp.Database.MaxOpenConns, 25),
		MaxIdleConns:    defaultInt(tmp.Database.MaxIdleConns, 5),
		ConnMaxLifetime: defaultDuration(tmp.Database.ConnMaxLifetime, 5*time.Minute),
	}

	cfg.Kafka = KafkaConfig{
		Brokers: tmp.Kafka.Brokers,
		Topic:   defaultString(tmp.Kafka.Topic, "ledger-events"),
		GroupID: defaultString(tmp.Kafka.GroupID, "chainfolio-recalc"),
	}

	cfg.Redis = RedisConfig{
		Addr:     tmp.Redis.Addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       tmp.Redis.DB,
		PriceTTL: defaultDuration(tmp.Redis.PriceTTL, time.Minute),
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		parsed, err := strconv.Atoi(db)
		if err != nil {
			return nil, errors.Wrap(err, "invalid REDIS_DB")
		}
		cfg.Redis.DB = parsed
	}

	dust := decimal.Zero
	if tmp.Snapshot.DustThresholdStr != "" {
		dust, err = decimal.NewFromString(tmp.Snapshot.DustThresholdStr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dust_threshold %q", tmp.Snapshot.DustThresholdStr)
		}
	}
	disabled := make(map[domain.Cadence]bool, len(tmp.Snapshot.Disabled))
	for _, raw := range tmp.Snapshot.Disabled {
		cadence, err := domain.ParseCadence(raw)
		if err != nil {
			return nil, errors.Wrap(err, "snapshot.disabled")
		}
		disabled[cadence] = true
	}
	cfg.Snapshot = SnapshotConfig{
		DustThreshold:     dust,
		HourlyRetention:   defaultDuration(tmp.Snapshot.HourlyRetention, 7*24*time.Hour),
		StandardRetention: defaultDuration(tmp.Snapshot.StandardRetention, 90*24*time.Hour),
		Disabled:          disabled,
	}

	return cfg, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}
