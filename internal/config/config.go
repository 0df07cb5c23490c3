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
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Runtime ──────────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Escrow monitoring ────────────────────────────────────────────────────────
	EscrowCheckInterval time.Duration `env:"ESCROW_CHECK_INTERVAL" envDefault:"60s"`
	EscrowConcurrency   int           `env:"ESCROW_CONCURRENCY"    envDefault:"3"`

	// ── Invoice expiration ───────────────────────────────────────────────────────
	InvoiceConcurrency int `env:"INVOICE_CONCURRENCY" envDefault:"2"`
	// RetentionDays is the age past which terminal invoices are purged.
	RetentionDays int `env:"INVOICE_RETENTION_DAYS" envDefault:"90"`

	// ── Transaction sync ─────────────────────────────────────────────────────────
	TxSyncInterval    time.Duration `env:"TX_SYNC_INTERVAL"    envDefault:"5m"`
	TxSyncConcurrency int           `env:"TX_SYNC_CONCURRENCY" envDefault:"2"`
	TxMaxRetries      int           `env:"TX_MAX_RETRIES"      envDefault:"3"`
	TxBackoffBase     time.Duration `env:"TX_BACKOFF_BASE"     envDefault:"1s"`
	TxBackoffMax      time.Duration `env:"TX_BACKOFF_MAX"      envDefault:"60s"`

	// ── Ledger network ───────────────────────────────────────────────────────────
	HorizonURL string `env:"HORIZON_URL" envDefault:"https://horizon-testnet.stellar.org"`
	// HorizonRPS caps outbound requests per second to the network.
	HorizonRPS float64 `env:"HORIZON_RPS" envDefault:"5"`

	// ── Job queue ────────────────────────────────────────────────────────────────
	JobMaxAttempts int32 `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"stellapath@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

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
