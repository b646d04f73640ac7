package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kora/internal/currency"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	HTTPPort    int    `env:"HTTP_PORT"`
	FrontendURL string `env:"FRONTEND_URL"`
	LogLevel    string `env:"LOG_LEVEL"`

	SessionTTL    time.Duration `env:"SESSION_TTL"`
	MaxIDAttempts int           `env:"MAX_ID_ATTEMPTS"`
	MaxCASRetries int           `env:"MAX_CAS_RETRIES"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`
	SweepTimeout   time.Duration `env:"SWEEP_TIMEOUT"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE"`

	StoreDriver    string `env:"STORE_DRIVER"`
	MigrationsPath string `env:"MIGRATIONS_PATH"`
	DBConfig       struct {
		Host     string `env:"PAYMENTS_DB_HOST"`
		Port     int    `env:"PAYMENTS_DB_PORT"`
		User     string `env:"PAYMENTS_DB_USER"`
		Password string `env:"PAYMENTS_DB_PASSWORD"`
		Name     string `env:"PAYMENTS_DB_NAME"`
		SSLMode  string `env:"PAYMENTS_DB_SSLMODE"`
	}

	KafkaEnabled            bool   `env:"KAFKA_ENABLED"`
	KafkaBrokerURL          string `env:"KAFKA_BROKER_URL"`
	KafkaPaymentStatusTopic string `env:"KAFKA_PAYMENT_STATUS_TOPIC"`
	KafkaTxEventsTopic      string `env:"KAFKA_TX_EVENTS_TOPIC"`
	KafkaConsumerGroup      string `env:"KAFKA_CONSUMER_GROUP"`

	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT"`
	WebhookMaxAttempts int           `env:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBackoff     time.Duration `env:"WEBHOOK_BACKOFF"`
	WebhookWorkers     int           `env:"WEBHOOK_WORKERS"`
	WebhookQueueSize   int           `env:"WEBHOOK_QUEUE_SIZE"`

	ChainRPCURL    string `env:"CHAIN_RPC_URL"`
	ChainID        int64  `env:"CHAIN_ID"`
	CurrenciesFile string `env:"CURRENCIES_FILE"`
}

// LoadConfig reads the environment, after loading .env.local when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env.local: %w", err)
	}

	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 3001)
	cfg.FrontendURL = getEnvOrDefault("FRONTEND_URL", "http://localhost:3000")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.SessionTTL = getEnvAsDuration("SESSION_TTL", 30*time.Minute)
	cfg.MaxIDAttempts = getEnvAsInt("MAX_ID_ATTEMPTS", 5)
	cfg.MaxCASRetries = getEnvAsInt("MAX_CAS_RETRIES", 3)

	cfg.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second)
	cfg.SweepTimeout = getEnvAsDuration("SWEEP_TIMEOUT", 5*time.Second)
	cfg.SweepBatchSize = getEnvAsInt("SWEEP_BATCH_SIZE", 500)

	cfg.StoreDriver = getEnvOrDefault("STORE_DRIVER", StoreDriverMemory)
	cfg.MigrationsPath = getEnvOrDefault("MIGRATIONS_PATH", "file://migrations")
	cfg.DBConfig.Host = getEnvOrDefault("PAYMENTS_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("PAYMENTS_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("PAYMENTS_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("PAYMENTS_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("PAYMENTS_DB_NAME", "payments_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("PAYMENTS_DB_SSLMODE", "disable")

	cfg.KafkaEnabled = getEnvAsBool("KAFKA_ENABLED", false)
	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaPaymentStatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")
	cfg.KafkaTxEventsTopic = getEnvOrDefault("KAFKA_TX_EVENTS_TOPIC", "chain_transaction_events")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "payments-session-group")

	cfg.WebhookTimeout = getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.WebhookMaxAttempts = getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 3)
	cfg.WebhookBackoff = getEnvAsDuration("WEBHOOK_BACKOFF", 500*time.Millisecond)
	cfg.WebhookWorkers = getEnvAsInt("WEBHOOK_WORKERS", 4)
	cfg.WebhookQueueSize = getEnvAsInt("WEBHOOK_QUEUE_SIZE", 256)

	cfg.ChainRPCURL = getEnvOrDefault("CHAIN_RPC_URL", "")
	cfg.ChainID = int64(getEnvAsInt("CHAIN_ID", currency.ArbitrumOneChainID))
	cfg.CurrenciesFile = getEnvOrDefault("CURRENCIES_FILE", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverMemory, StoreDriverPostgres:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	return nil
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

type tokenEntry struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

type currenciesFile struct {
	Tokens []tokenEntry `yaml:"tokens"`
}

// LoadTokens returns the settlement tokens from CURRENCIES_FILE, or the
// built-in Arbitrum One table when no file is configured.
func (c *Config) LoadTokens() ([]currency.Token, error) {
	if c.CurrenciesFile == "" {
		return currency.DefaultTokens(), nil
	}
	data, err := os.ReadFile(c.CurrenciesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read currencies file: %w", err)
	}
	return ParseTokens(data)
}

func ParseTokens(data []byte) ([]currency.Token, error) {
	var f currenciesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse currencies file: %w", err)
	}
	if len(f.Tokens) == 0 {
		return nil, errors.New("currencies file lists no tokens")
	}

	tokens := make([]currency.Token, 0, len(f.Tokens))
	for _, t := range f.Tokens {
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("token %s: invalid contract address %q", t.Symbol, t.Address)
		}
		tokens = append(tokens, currency.Token{
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
		})
	}
	return tokens, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
