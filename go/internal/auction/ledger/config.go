package ledger

import (
	"fmt"
	"net/url"
)

// DefaultTable is the ledger table name when none is configured.
const DefaultTable = "auction_rounds"

// Config holds Postgres connection settings for the ledger.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	Table    string `yaml:"table"`
}

// DefaultConfig returns a disabled ledger pointing at a local Postgres.
func DefaultConfig() Config {
	return Config{
		Driver:   "pgx",
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "subasta",
		SSLMode:  "disable",
		Table:    DefaultTable,
	}
}

// DSN returns the Postgres connection URL. Both drivers accept it.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c Config) driver() string {
	switch c.Driver {
	case "postgres", "pq":
		return "postgres"
	default:
		return "pgx"
	}
}
