package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/subasta/go/internal/auction/ledger"
)

// DefaultPath is read when AUCTION_CONFIG is not set. A missing default
// file is not an error.
const DefaultPath = "auction.yaml"

type Config struct {
	LogLevel string        `yaml:"log_level"`
	Server   ServerConfig  `yaml:"server"`
	Auction  AuctionConfig `yaml:"auction"`
	NATS     NATSConfig    `yaml:"nats"`
	Ledger   ledger.Config `yaml:"ledger"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	AdminPort      int           `yaml:"admin_port"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
	SendQueueSize  int           `yaml:"send_queue_size"`
}

type AuctionConfig struct {
	RoundDuration     time.Duration `yaml:"round_duration"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	ResetGrace        time.Duration `yaml:"reset_grace"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the settings of the original auction server: port 8080,
// two minute rounds, a status broadcast every five seconds.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:           8080,
			AdminPort:      8081,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 1024,
			SendQueueSize:  64,
		},
		Auction: AuctionConfig{
			RoundDuration:     120 * time.Second,
			BroadcastInterval: 5 * time.Second,
			ResetGrace:        2 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "auction.events",
		},
		Ledger: ledger.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path and
// then environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = getEnv("AUCTION_CONFIG", DefaultPath)
		explicit = os.Getenv("AUCTION_CONFIG") != ""
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.Server.Port = getEnvAsInt("AUCTION_PORT", cfg.Server.Port)
	cfg.Server.AdminPort = getEnvAsInt("ADMIN_PORT", cfg.Server.AdminPort)
	cfg.Server.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.SendQueueSize = getEnvAsInt("SEND_QUEUE_SIZE", cfg.Server.SendQueueSize)

	cfg.Auction.RoundDuration = getEnvAsDuration("ROUND_DURATION", cfg.Auction.RoundDuration)
	cfg.Auction.BroadcastInterval = getEnvAsDuration("BROADCAST_INTERVAL", cfg.Auction.BroadcastInterval)
	cfg.Auction.ResetGrace = getEnvAsDuration("RESET_GRACE", cfg.Auction.ResetGrace)

	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.Ledger.Enabled = getEnvAsBool("LEDGER_ENABLED", cfg.Ledger.Enabled)
	cfg.Ledger.Driver = getEnv("DB_DRIVER", cfg.Ledger.Driver)
	cfg.Ledger.Host = getEnv("DB_HOST", cfg.Ledger.Host)
	cfg.Ledger.Port = getEnvAsInt("DB_PORT", cfg.Ledger.Port)
	cfg.Ledger.User = getEnv("DB_USER", cfg.Ledger.User)
	cfg.Ledger.Password = getEnv("DB_PASSWORD", cfg.Ledger.Password)
	cfg.Ledger.Database = getEnv("DB_NAME", cfg.Ledger.Database)
	cfg.Ledger.SSLMode = getEnv("DB_SSLMODE", cfg.Ledger.SSLMode)
}

// SetPort applies the positional CLI port argument.
func (c *Config) SetPort(arg string) error {
	port, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", arg, err)
	}
	c.Server.Port = port
	return c.Validate()
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("admin port %d out of range", c.Server.AdminPort)
	}
	if c.Auction.RoundDuration <= 0 {
		return fmt.Errorf("round duration must be positive, got %s", c.Auction.RoundDuration)
	}
	if c.Auction.BroadcastInterval <= 0 {
		return fmt.Errorf("broadcast interval must be positive, got %s", c.Auction.BroadcastInterval)
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive, got %d", c.Server.SendQueueSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
