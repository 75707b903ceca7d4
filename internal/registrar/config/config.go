// Package config loads the registrar configuration from command line
// flags, environment variables, and an optional .env file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the registrar server configuration.
type Config struct {
	// SIP settings
	Port     int
	BindAddr string
	LogLevel string

	// Admin HTTP API
	APIAddr string

	// Registration policy
	MaxBindingsPerAccount int
	AccountsPath          string // path to the accounts JSON file

	// Postgres settings; empty DSN selects the in-memory store.
	PostgresDSN string
}

// Load reads configuration. Flags are defined first; environment
// variables override them. A .env file in the working directory is
// loaded when present.
func Load() *Config {
	// Missing .env is fine; env vars may be set by the environment.
	_ = godotenv.Load()

	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.APIAddr, "api", "0.0.0.0:8080", "Admin HTTP API listen address")
	flag.IntVar(&cfg.MaxBindingsPerAccount, "max-bindings", 1, "Maximum live bindings per SIP account")
	flag.StringVar(&cfg.AccountsPath, "accounts", "resources/config/accounts.json", "Path to accounts configuration file")
	flag.Parse()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if api := os.Getenv("API_ADDR"); api != "" {
		cfg.APIAddr = api
	}
	if max := os.Getenv("MAX_BINDINGS"); max != "" {
		if n, err := strconv.Atoi(max); err == nil && n > 0 {
			cfg.MaxBindingsPerAccount = n
		}
	}
	if accounts := os.Getenv("ACCOUNTS_PATH"); accounts != "" {
		cfg.AccountsPath = accounts
	}

	cfg.PostgresDSN = postgresDSNFromEnv()

	return cfg
}

// postgresDSNFromEnv assembles a Postgres DSN from POSTGRES_* variables.
// Returns empty when no database is configured.
func postgresDSNFromEnv() string {
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		return ""
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}
	password := os.Getenv("POSTGRES_PASSWORD")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, dbName,
	)
}
