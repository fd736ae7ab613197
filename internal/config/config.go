package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string
	RawMailDir  string

	LogLevel  string
	LogFormat string
	HTTPAddr  string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string
	GmailQuery        string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool
	IMAPLookback int

	SheetsProvider        string
	SheetsCredentialsFile string
	SheetsRefreshToken    string
	SheetsRateLimitRPS    int
	SheetsTimeoutMs       int

	RedisAddress   string
	SyncLockTTLSec int

	SchedulerMailProvider    string
	SchedulerMailLabel       string
	SchedulerMailIntervalSec int
	SchedulerMailFetchMax    int
	SchedulerProcessBatch    int
	SchedulerSyncIntervalSec int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:      getEnv("DB_PATH", filepath.Join(cwd, "data", "storeledger.db")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RawMailDir:  getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		HTTPAddr:  getEnv("HTTP_ADDR", ":3000"),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),
		GmailQuery:        getEnv("GMAIL_QUERY", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),
		IMAPLookback: getEnvInt("IMAP_LOOKBACK_DAYS", 0),

		SheetsProvider:        strings.ToLower(getEnv("SHEETS_PROVIDER", "")),
		SheetsCredentialsFile: getEnv("GOOGLE_SHEETS_CREDENTIALS_FILE", ""),
		SheetsRefreshToken:    getEnv("GOOGLE_SHEETS_REFRESH_TOKEN", ""),
		SheetsRateLimitRPS:    getEnvInt("SHEETS_RATE_LIMIT_RPS", 1),
		SheetsTimeoutMs:       getEnvInt("SHEETS_TIMEOUT_MS", 30000),

		RedisAddress:   getEnv("REDIS_ADDRESS", ""),
		SyncLockTTLSec: getEnvInt("SYNC_LOCK_TTL_SEC", 300),

		SchedulerMailProvider:    getEnv("SCHEDULER_MAIL_PROVIDER", "gmail"),
		SchedulerMailLabel:       getEnv("SCHEDULER_MAIL_LABEL", "INBOX"),
		SchedulerMailIntervalSec: getEnvInt("SCHEDULER_MAIL_INTERVAL_SEC", 300),
		SchedulerMailFetchMax:    getEnvInt("SCHEDULER_MAIL_FETCH_MAX", 20),
		SchedulerProcessBatch:    getEnvInt("SCHEDULER_PROCESS_BATCH", 20),
		SchedulerSyncIntervalSec: getEnvInt("SCHEDULER_SYNC_INTERVAL_SEC", 3600),
	}

	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return Config{}, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// DSN returns the data source for the configured driver.
func (c Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
