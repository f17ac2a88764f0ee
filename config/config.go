/*
Package config loads server settings from flags, the environment and .env.

PRECEDENCE (highest first):
  1. command-line flags that were set explicitly
  2. environment variables (a .env file in the working directory is loaded
     into the environment first; existing variables are not overridden)
  3. defaults

VARIABLES:
  PORT                  HTTP port (8080)
  DB_DRIVER             sqlite | postgres | memory (sqlite)
  DATABASE_URL          sqlite path or postgres URL (gigledger.db)
  JWT_SECRET            HS256 secret for bearer tokens (required)
  ALLOWED_ORIGINS       comma separated CORS origins
  PAYOUT_TZ             IANA zone for payout dates (UTC)
  SCHEDULER_ENABLED     run maintenance jobs (true)
  LOG_LEVEL             debug | info | warn | error (info)
  R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_ACCESS_KEY_SECRET, R2_BUCKET_NAME
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/warp/gig-ledger/blob"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port           int
	DBDriver       string
	DatabaseURL    string
	JWTSecret      string
	AllowedOrigins []string
	PayoutLocation *time.Location
	Scheduler      bool
	LogLevel       string
	Blob           blob.Config
}

func defaults() Config {
	return Config{
		Port:           8080,
		DBDriver:       DriverSQLite,
		DatabaseURL:    "gigledger.db",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		PayoutLocation: time.UTC,
		Scheduler:      true,
		LogLevel:       "info",
	}
}

// Load reads .env (if present), the environment and args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return parse(args, os.LookupEnv)
}

func parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()
	var errs []error

	env := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := env("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		}
		cfg.Port = port
	}
	if v := env("DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := env("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.JWTSecret = env("JWT_SECRET")
	if v := env("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := env("PAYOUT_TZ"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAYOUT_TZ: %w", err))
		} else {
			cfg.PayoutLocation = loc
		}
	}
	if v := env("SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULER_ENABLED: %w", err))
		}
		cfg.Scheduler = enabled
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.Blob = blob.Config{
		AccountID:       env("R2_ACCOUNT_ID"),
		AccessKeyID:     env("R2_ACCESS_KEY_ID"),
		AccessKeySecret: env("R2_ACCESS_KEY_SECRET"),
		Bucket:          env("R2_BUCKET_NAME"),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "store backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "SQLite path or PostgreSQL URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	errs = append(errs, cfg.validate())
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if c.DBDriver != DriverMemory && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
