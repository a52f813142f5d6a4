package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
)

// ProviderCredentials は1プロバイダーのOAuthクライアント設定。
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Enabled はクライアントIDとシークレットの両方が設定されているかを返す。
func (c ProviderCredentials) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string

	// Auth
	JWTSecret string
	JWTIssuer string

	// OAuth
	Providers            map[model.Provider]ProviderCredentials
	OAuthRedirectBaseURL string
	UIRedirectURL        string
	OAuthStateTTL        time.Duration

	// Sync
	SyncMaxRetries     int
	SyncInitialBackoff time.Duration
	SyncMaxBackoff     time.Duration
	SyncFirstLookback  time.Duration
	SyncCancelWait     time.Duration
	SyncMaxConcurrent  int
	AutoSyncInterval   time.Duration

	// Token refresh
	TokenRefreshLookahead time.Duration
	TokenRefreshInterval  time.Duration

	// Provider HTTP
	ProviderTimeout         time.Duration
	ProviderMaxResponseSize int64
	ProviderRatePerSecond   float64
	ProviderRateBurst       int

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitSync    int

	// CORS
	CORSAllowedOrigin string

	// Retention
	SyncLogRetentionDays int
	StaleSyncTimeout     time.Duration

	// Optional integrations
	KafkaBrokers       []string
	KafkaActivityTopic string
	RawPayloadBucket   string
	SentryDSN          string
	SentryEnvironment  string
}

// providerEnvPrefix はプロバイダーごとの環境変数の接頭辞。
var providerEnvPrefix = map[model.Provider]string{
	model.ProviderStrava: "STRAVA",
	model.ProviderPolar:  "POLAR",
	model.ProviderGarmin: "GARMIN",
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のものをまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Providers: IDとシークレットの両方が設定されたものだけ有効
	cfg.Providers = make(map[model.Provider]ProviderCredentials)
	for _, p := range model.AllProviders() {
		prefix := providerEnvPrefix[p]
		creds := ProviderCredentials{
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		}
		if creds.Enabled() {
			cfg.Providers[p] = creds
		}
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no provider is enabled: set <PROVIDER>_CLIENT_ID and <PROVIDER>_CLIENT_SECRET for at least one of strava, polar, garmin")
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "")
	cfg.OAuthRedirectBaseURL = strings.TrimSuffix(getEnvString("OAUTH_REDIRECT_BASE_URL", cfg.BaseURL), "/")
	cfg.UIRedirectURL = getEnvString("UI_REDIRECT_URL", cfg.BaseURL+"/settings/integrations")
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)

	cfg.SyncMaxRetries = getEnvInt("SYNC_MAX_RETRIES", 3)
	cfg.SyncInitialBackoff = getEnvDuration("SYNC_INITIAL_BACKOFF", time.Second)
	cfg.SyncMaxBackoff = getEnvDuration("SYNC_MAX_BACKOFF", 30*time.Second)
	cfg.SyncFirstLookback = getEnvDuration("SYNC_FIRST_LOOKBACK", 30*24*time.Hour)
	cfg.SyncCancelWait = getEnvDuration("SYNC_CANCEL_WAIT", 10*time.Second)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 5)
	cfg.AutoSyncInterval = getEnvDuration("AUTO_SYNC_INTERVAL", 0)

	cfg.TokenRefreshLookahead = getEnvDuration("TOKEN_REFRESH_LOOKAHEAD", 5*time.Minute)
	cfg.TokenRefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", time.Minute)

	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second)
	cfg.ProviderMaxResponseSize = getEnvInt64("PROVIDER_MAX_RESPONSE_SIZE", 10<<20)
	cfg.ProviderRatePerSecond = getEnvFloat("PROVIDER_RATE_PER_SECOND", 1.0)
	cfg.ProviderRateBurst = getEnvInt("PROVIDER_RATE_BURST", 10)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 6)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	cfg.SyncLogRetentionDays = getEnvInt("SYNC_LOG_RETENTION_DAYS", 90)
	cfg.StaleSyncTimeout = getEnvDuration("STALE_SYNC_TIMEOUT", time.Hour)

	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaActivityTopic = getEnvString("KAFKA_ACTIVITY_TOPIC", "fitsync.activity.imported")
	cfg.RawPayloadBucket = getEnvString("RAW_PAYLOAD_BUCKET", "")
	cfg.SentryDSN = getEnvString("SENTRY_DSN", "")
	cfg.SentryEnvironment = getEnvString("SENTRY_ENVIRONMENT", "production")

	return cfg, nil
}

// RedirectURL はプロバイダーのコールバックURLを返す。
func (c *Config) RedirectURL(p model.Provider) string {
	return fmt.Sprintf("%s/api/integrations/%s/callback", c.OAuthRedirectBaseURL, p)
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
