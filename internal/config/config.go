package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Gate     GateConfig
	Session  SessionConfig
	Console  ConsoleConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr               string
	Password           string
	DB                 int
	DialTimeoutSeconds int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
	// File, when set, receives a rotated copy of every entry.
	File           string
	FileMaxSizeMB  int
	FileMaxBackups int
}

// AuthConfig defines session token and cookie parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	RecoveryTTLMinutes    int
	BcryptCost            int
	CookieName            string
	CookiePath            string
	CookieSecure          bool
}

// ZoneConfig maps a protected path tree to the login screen serving it.
type ZoneConfig struct {
	Prefix    string
	LoginPath string
}

// GateConfig lists the protected trees and the paths exempt from gating.
type GateConfig struct {
	Zones         []ZoneConfig
	PublicPaths   []string
	DashboardPath string
	ReturnParam   string
	DebugHeader   string
}

// SessionConfig drives the client-side session lifecycle.
type SessionConfig struct {
	IdleTimeoutMinutes     int
	ProviderTimeoutSeconds int
}

// ConsoleConfig configures the headless console runtime.
type ConsoleConfig struct {
	APIURL string
}

const (
	defaultZones       = "/admin=/admin/login,/client=/client/login"
	defaultPublicPaths = "/admin/login,/admin/forgot-password,/admin/update-password,/client/login,/api/auth"
)

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	zones, err := parseZones(getEnv("GATE_ZONES", defaultZones))
	if err != nil {
		return nil, fmt.Errorf("invalid GATE_ZONES: %w", err)
	}

	appEnv := getEnv("APP_ENV", "development")

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "isp-console"),
			Env:                   appEnv,
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:               getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:           os.Getenv("REDIS_PASSWORD"),
			DB:                 redisDB,
			DialTimeoutSeconds: getEnvAsInt("REDIS_DIAL_TIMEOUT_SECONDS", 3),
		},
		Logger: LoggerConfig{
			Level:          getEnv("LOG_LEVEL", "info"),
			File:           os.Getenv("LOG_FILE"),
			FileMaxSizeMB:  getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 50),
			FileMaxBackups: getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 1440),
			RecoveryTTLMinutes:    getEnvAsInt("AUTH_RECOVERY_TTL_MINUTES", 30),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
			CookieName:            getEnv("AUTH_COOKIE_NAME", "token"),
			CookiePath:            getEnv("AUTH_COOKIE_PATH", "/"),
			CookieSecure:          getEnvAsBool("AUTH_COOKIE_SECURE", appEnv != "development"),
		},
		Gate: GateConfig{
			Zones:         zones,
			PublicPaths:   getEnvAsList("GATE_PUBLIC_PATHS", defaultPublicPaths),
			DashboardPath: getEnv("GATE_DASHBOARD_PATH", "/admin/dashboard"),
			ReturnParam:   getEnv("GATE_RETURN_PARAM", "redirect_url"),
			DebugHeader:   os.Getenv("GATE_DEBUG_HEADER"),
		},
		Session: SessionConfig{
			IdleTimeoutMinutes:     getEnvAsInt("SESSION_IDLE_TIMEOUT_MINUTES", 30),
			ProviderTimeoutSeconds: getEnvAsInt("SESSION_PROVIDER_TIMEOUT_SECONDS", 10),
		},
		Console: ConsoleConfig{
			APIURL: getEnv("CONSOLE_API_URL", "http://127.0.0.1:8080"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// DialTimeout bounds connecting to Redis and the startup ping.
func (r RedisConfig) DialTimeout() time.Duration {
	if r.DialTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(r.DialTimeoutSeconds) * time.Second
}

// TokenTTL returns the session token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.AccessTokenTTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// RecoveryTTL returns the lifetime of password-recovery sessions.
func (a AuthConfig) RecoveryTTL() time.Duration {
	if a.RecoveryTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.RecoveryTTLMinutes) * time.Minute
}

// IdleTimeout returns the inactivity window after which the console logs out.
func (s SessionConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// ProviderTimeout bounds every call made to the identity provider.
func (s SessionConfig) ProviderTimeout() time.Duration {
	if s.ProviderTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ProviderTimeoutSeconds) * time.Second
}

// parseZones reads "prefix=login,prefix=login" pairs preserving order.
func parseZones(raw string) ([]ZoneConfig, error) {
	var zones []ZoneConfig
	for _, pair := range splitList(raw) {
		prefix, login, ok := strings.Cut(pair, "=")
		prefix, login = strings.TrimSpace(prefix), strings.TrimSpace(login)
		if !ok || !strings.HasPrefix(prefix, "/") || !strings.HasPrefix(login, "/") {
			return nil, fmt.Errorf("malformed zone %q", pair)
		}
		zones = append(zones, ZoneConfig{Prefix: prefix, LoginPath: login})
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("at least one zone required")
	}
	return zones, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key, fallback string) []string {
	return splitList(getEnv(key, fallback))
}
