package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Nonce backends.
const (
	NonceBackendPostgres = "postgres"
	NonceBackendRedis    = "redis"
)

// Config contains runtime configuration values.
type Config struct {
	Environment   string
	HTTPPort      string
	DatabaseURL   string
	AutoMigrate   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ToolIssuer  string
	ToolBaseURL string

	SigningKeyID   string
	PrivateKeyPath string
	PublicKeyPath  string

	SessionTTL       time.Duration
	JWKSCacheTTL     time.Duration
	JWKSFetchTimeout time.Duration
	StateTTL         time.Duration
	NonceTTL         time.Duration
	DeepLinkTTL      time.Duration
	ClockLeeway      time.Duration
	NonceBackend     string
	PlatformsFile    string

	AdminUsername     string
	AdminPasswordHash string
	SessionCookieName string

	ServiceName          string
	RateLimitRPM         int
	MetricsEnabled       bool
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
	TrustedProxies       []string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	toolIssuer := strings.TrimRight(strings.TrimSpace(os.Getenv("TOOL_ISSUER")), "/")
	if toolIssuer == "" {
		return Config{}, fmt.Errorf("TOOL_ISSUER is required")
	}
	if _, err := url.ParseRequestURI(toolIssuer); err != nil {
		return Config{}, fmt.Errorf("TOOL_ISSUER must be an absolute URL: %w", err)
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getBool("DB_AUTO_MIGRATE", true),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		ToolIssuer:           toolIssuer,
		ToolBaseURL:          strings.TrimRight(getEnv("TOOL_BASE_URL", toolIssuer), "/"),
		SigningKeyID:         getEnv("LTI_SIGNING_KEY_ID", "lti-tool-key"),
		PrivateKeyPath:       getEnv("LTI_PRIVATE_KEY_PATH", "keys/private.pem"),
		PublicKeyPath:        getEnv("LTI_PUBLIC_KEY_PATH", "keys/public.pem"),
		SessionTTL:           getDuration("LTI_SESSION_TTL", 8*time.Hour),
		JWKSCacheTTL:         getDuration("LTI_JWKS_CACHE_TTL", 60*time.Minute),
		JWKSFetchTimeout:     getDuration("LTI_JWKS_FETCH_TIMEOUT", 10*time.Second),
		StateTTL:             getDuration("LTI_STATE_TTL", 10*time.Minute),
		NonceTTL:             getDuration("LTI_NONCE_TTL", 10*time.Minute),
		DeepLinkTTL:          getDuration("LTI_DEEP_LINK_TTL", 5*time.Minute),
		ClockLeeway:          getDuration("LTI_CLOCK_LEEWAY", time.Minute),
		NonceBackend:         strings.ToLower(getEnv("LTI_NONCE_BACKEND", NonceBackendPostgres)),
		PlatformsFile:        os.Getenv("LTI_PLATFORMS_FILE"),
		AdminUsername:        getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:    strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),
		SessionCookieName:    getEnv("SESSION_COOKIE_NAME", "lti_session"),
		ServiceName:          getEnv("SERVICE_NAME", "valora-lti"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		MetricsEnabled:       getBool("METRICS_ENABLED", true),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", nil),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
		TrustedProxies:       getList("TRUSTED_PROXIES", nil),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.NonceBackend {
	case NonceBackendPostgres, NonceBackendRedis:
	default:
		return Config{}, fmt.Errorf("LTI_NONCE_BACKEND must be %q or %q", NonceBackendPostgres, NonceBackendRedis)
	}

	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("LTI_SESSION_TTL must be positive")
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = 60 * time.Minute
	}
	if cfg.JWKSFetchTimeout <= 0 {
		cfg.JWKSFetchTimeout = 10 * time.Second
	}

	return cfg, nil
}

// LaunchRedirectURI is the endpoint platforms post the ID token to.
func (c Config) LaunchRedirectURI() string {
	return c.ToolBaseURL + "/lti/launch"
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
