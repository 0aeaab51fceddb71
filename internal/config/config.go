package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 資格情報の暗号化キー（64文字の16進数、AES-256）
	CredentialKey string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitGeneral  int // req/min/user
	RateLimitSync     int // req/min/user
	LogLevel          string

	// Session limits
	AutostopInterval     time.Duration
	SessionNotifyAfter   time.Duration
	SessionAutostopAfter time.Duration

	// Title backfill
	TitleBackfillInterval time.Duration

	// Jira
	JiraSyncInterval      time.Duration
	JiraSyncLookback      time.Duration
	JiraSyncMaxConcurrent int
	JiraTimeout           time.Duration
	JiraRequestInterval   time.Duration

	// SMTP（SMTPAddrが空の場合は通知をログに出力する）
	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// Realtime
	RealtimeChannel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	cfg.CredentialKey = os.Getenv("CREDENTIAL_KEY")
	if cfg.CredentialKey == "" {
		missing = append(missing, "CREDENTIAL_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}
	if err := validateCredentialKey(cfg.CredentialKey); err != nil {
		return nil, err
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 10)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	cfg.AutostopInterval = getEnvDuration("AUTOSTOP_INTERVAL", time.Minute)
	cfg.SessionNotifyAfter = getEnvDuration("SESSION_NOTIFY_AFTER", 6*time.Hour)
	cfg.SessionAutostopAfter = getEnvDuration("SESSION_AUTOSTOP_AFTER", 8*time.Hour)
	if cfg.SessionAutostopAfter <= cfg.SessionNotifyAfter {
		return nil, fmt.Errorf("SESSION_AUTOSTOP_AFTER (%s) must be greater than SESSION_NOTIFY_AFTER (%s)",
			cfg.SessionAutostopAfter, cfg.SessionNotifyAfter)
	}

	cfg.TitleBackfillInterval = getEnvDuration("TITLE_BACKFILL_INTERVAL", 24*time.Hour)

	cfg.JiraSyncInterval = getEnvDuration("JIRA_SYNC_INTERVAL", time.Hour)
	cfg.JiraSyncLookback = getEnvDuration("JIRA_SYNC_LOOKBACK", 7*24*time.Hour)
	cfg.JiraSyncMaxConcurrent = getEnvInt("JIRA_SYNC_MAX_CONCURRENT", 5)
	cfg.JiraTimeout = getEnvDuration("JIRA_TIMEOUT", 15*time.Second)
	cfg.JiraRequestInterval = getEnvDuration("JIRA_REQUEST_INTERVAL", 250*time.Millisecond)

	cfg.SMTPAddr = os.Getenv("SMTP_ADDR")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "timekeeper@localhost")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	cfg.RealtimeChannel = getEnvString("REALTIME_CHANNEL", "timer_events")

	return cfg, nil
}

func validateCredentialKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("CREDENTIAL_KEY must be 64 hexadecimal characters")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
