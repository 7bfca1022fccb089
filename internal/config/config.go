package config

import (
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

	// Session
	SessionSecret        string
	SessionMaxAge        int
	SessionRetentionDays int

	// OpenID
	OpenIDConsumer              string // registration, auth, cookie
	OpenIDPathPrefix            string
	OpenIDTrustRoot             string
	OpenIDSReg                  []string
	OpenIDSRegRequired          []string
	OpenIDXRIEnabled            bool
	OpenIDDebug                 bool
	OpenIDHTTPTimeout           time.Duration
	OpenIDMaxNonceAge           time.Duration
	OpenIDAllowPrivateProviders bool // 開発用。内部ネットワーク上のOPを許可する

	// Nonce store
	NonceStore string
	RedisURL   string

	// Rate Limit（req/min）
	RateLimitGeneral  int
	RateLimitLogin    int
	RateLimitProvider int // 識別子のホスト単位。0以下で制限なし

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string // カンマ区切りで複数指定できる
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 7)
	cfg.OpenIDConsumer = getEnvString("OPENID_CONSUMER", "registration")
	cfg.OpenIDPathPrefix = getEnvString("OPENID_PATH_PREFIX", "/openid/")
	cfg.OpenIDTrustRoot = getEnvString("OPENID_TRUST_ROOT", "")
	cfg.OpenIDSReg = getEnvList("OPENID_SREG", []string{"nickname", "email", "fullname"})
	cfg.OpenIDSRegRequired = getEnvList("OPENID_SREG_REQUIRED", nil)
	cfg.OpenIDXRIEnabled = getEnvBool("OPENID_XRI_ENABLED", false)
	cfg.OpenIDDebug = getEnvBool("OPENID_DEBUG", false)
	cfg.OpenIDAllowPrivateProviders = getEnvBool("OPENID_ALLOW_PRIVATE_PROVIDERS", false)
	cfg.OpenIDHTTPTimeout = getEnvDuration("OPENID_HTTP_TIMEOUT", 10*time.Second)
	cfg.OpenIDMaxNonceAge = getEnvDuration("OPENID_MAX_NONCE_AGE", 5*time.Minute)
	cfg.NonceStore = getEnvString("NONCE_STORE", "postgres")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)
	cfg.RateLimitProvider = getEnvInt("RATE_LIMIT_PROVIDER", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.OpenIDConsumer {
	case "registration", "auth", "cookie":
	default:
		return nil, fmt.Errorf("OPENID_CONSUMER must be one of registration, auth, cookie: %q", cfg.OpenIDConsumer)
	}
	if !strings.HasPrefix(cfg.OpenIDPathPrefix, "/") {
		return nil, fmt.Errorf("OPENID_PATH_PREFIX must start with '/': %q", cfg.OpenIDPathPrefix)
	}
	if cfg.NonceStore == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when NONCE_STORE=redis")
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの値を読み込む。"-" は空リストを表す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if v == "-" {
		return nil
	}
	var list []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return list
}
