package store

import (
	"os"
	"strconv"
	"time"
)

// Config configures the Postgres connection pool backing the transactional
// store of spec.md C10. Defaults mirror a typical local-dev Postgres
// instance; LoadFromEnv overrides the connection fields from the
// environment, while the pool sizing and lifetime fields keep their values.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the baseline Config before environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "carbide",
		Database:        "carbide",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays CARBIDE_DB_* environment variables onto c, leaving
// unset or malformed values at their current setting.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("CARBIDE_DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("CARBIDE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("CARBIDE_DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("CARBIDE_DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("CARBIDE_DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("CARBIDE_DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// DSN renders c as a libpq connection string suitable for pgxpool.New.
func (c *Config) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Database +
		" sslmode=" + c.SSLMode
}
