package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Strava OAuth
	StravaClientID     string
	StravaClientSecret string
	AuthRedirectURL    string

	// Strava Webhook
	WebhookVerifyToken string

	// Upstream
	UpstreamTimeout      time.Duration
	UpstreamMaxAttempts  int
	UpstreamRatePer15Min int
	StravaPageSize       int

	// Study window (epoch秒)
	StudyStart int64
	StudyEnd   int64

	// Stream storage
	StreamDataDir string

	// JWT
	JWTSecret     string
	JWTIssuer     string
	JWTAccessTTL  time.Duration
	JWTRefreshTTL time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Sync
	SyncInterval      time.Duration
	SyncMaxConcurrent int

	// Backfill
	BackfillInterval    time.Duration
	BackfillMaxPerCycle int
	BackfillAPIInterval time.Duration

	// Cleanup
	WebhookEventRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をまとめてエラーで返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.StravaClientID = required("STRAVA_CLIENT_ID")
	cfg.StravaClientSecret = required("STRAVA_CLIENT_SECRET")
	cfg.JWTSecret = required("JWT_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AuthRedirectURL = getEnvString("AUTH_REDIRECT_URL", "https://www.smart-injury.de")
	cfg.WebhookVerifyToken = os.Getenv("STRAVA_WEBHOOK_VERIFY_TOKEN")
	cfg.StreamDataDir = getEnvString("STREAM_DATA_DIR", "./data/streams")
	cfg.StudyStart = getEnvInt64("STUDY_START", 1634860800)
	cfg.StudyEnd = getEnvInt64("STUDY_END", 1675123200)
	cfg.StravaPageSize = getEnvInt("STRAVA_PAGE_SIZE", 200)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)
	cfg.UpstreamMaxAttempts = getEnvInt("UPSTREAM_MAX_ATTEMPTS", 3)
	cfg.UpstreamRatePer15Min = getEnvInt("UPSTREAM_RATE_PER_15MIN", 100)
	cfg.JWTAccessTTL = getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute)
	cfg.JWTRefreshTTL = getEnvDuration("JWT_REFRESH_TTL", 720*time.Hour)
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "stravasync")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 6*time.Hour)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 4)
	cfg.BackfillInterval = getEnvDuration("BACKFILL_INTERVAL", 30*time.Minute)
	cfg.BackfillMaxPerCycle = getEnvInt("BACKFILL_MAX_PER_CYCLE", 50)
	cfg.BackfillAPIInterval = getEnvDuration("BACKFILL_API_INTERVAL", 2*time.Second)
	cfg.WebhookEventRetentionDays = getEnvInt("WEBHOOK_EVENT_RETENTION_DAYS", 90)

	if cfg.StudyEnd <= cfg.StudyStart {
		return nil, fmt.Errorf("STUDY_END (%d) must be after STUDY_START (%d)", cfg.StudyEnd, cfg.StudyStart)
	}

	return cfg, nil
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
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
	if err != nil {
		return defaultVal
	}
	return d
}
