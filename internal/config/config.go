// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Transient store（空の場合はプロセス内メモリを使用する）
	RedisAddr     string
	RedisPassword string
	TransientTTL  time.Duration

	// Identity
	AuthJWTSecret   string
	AuthIssuer      string
	AuthAudience    string
	ProfileCacheTTL time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string

	// Media
	MediaBucket   string
	MediaRegion   string
	MediaEndpoint string
	MediaURLTTL   time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral  int
	RateLimitCheckout int

	// Worker
	CheckoutPendingTTL time.Duration
	ExpiryInterval     time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	AppURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルを環境変数に読み込む。既に設定済みの環境変数は上書きしない。
// ファイルが存在しない場合はエラーにしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
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
	cfg.AuthJWTSecret = required("AUTH_JWT_SECRET")
	cfg.StripeSecretKey = required("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = required("STRIPE_WEBHOOK_SECRET")
	cfg.MediaBucket = required("MEDIA_BUCKET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.TransientTTL = getEnvDuration("TRANSIENT_TTL", 24*time.Hour)
	cfg.AuthIssuer = getEnvString("AUTH_ISSUER", "")
	cfg.AuthAudience = getEnvString("AUTH_AUDIENCE", "")
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 30*time.Second)
	cfg.Currency = strings.ToLower(getEnvString("CURRENCY", "jpy"))
	cfg.MediaRegion = getEnvString("MEDIA_REGION", "ap-northeast-1")
	cfg.MediaEndpoint = getEnvString("MEDIA_ENDPOINT", "")
	cfg.MediaURLTTL = getEnvDuration("MEDIA_URL_TTL", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCheckout = getEnvInt("RATE_LIMIT_CHECKOUT", 10)
	cfg.CheckoutPendingTTL = getEnvDuration("CHECKOUT_PENDING_TTL", 24*time.Hour)
	cfg.ExpiryInterval = getEnvDuration("EXPIRY_INTERVAL", 10*time.Minute)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AppURL = getEnvString("APP_URL", cfg.CORSAllowedOrigin)

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
