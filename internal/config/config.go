// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// WorkerMaxExecutionTime is how long one worker process runs before it
	// stops on its own; a process manager restarts it with a fresh image.
	WorkerMaxExecutionTime time.Duration `env:"WORKER_MAX_EXECUTION_TIME" envDefault:"100s"`
	WorkerPollInterval     time.Duration `env:"WORKER_POLL_INTERVAL"      envDefault:"1s"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	// Cron schedules for the maintain command; retention windows for the sweeps.
	CleanSchedule      string        `env:"CLEAN_SCHEDULE"       envDefault:"0 3 * * *"`
	CleanRetention     time.Duration `env:"CLEAN_RETENTION"      envDefault:"168h"`
	CleanIncludeFailed bool          `env:"CLEAN_INCLUDE_FAILED" envDefault:"true"`
	DeadSchedule       string        `env:"DEAD_SCHEDULE"        envDefault:"*/5 * * * *"`
	DeadAfter          time.Duration `env:"DEAD_AFTER"           envDefault:"1h"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
