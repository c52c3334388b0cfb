// Package config resolves wagerd settings from flags, WAGER_* environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	FlagEnvFile           = "env-file"
	FlagDatabaseURL       = "database-url"
	FlagStoreDriver       = "store-driver"
	FlagGRPCListenAddr    = "grpc-listen-addr"
	FlagHTTPListenAddr    = "http-listen-addr"
	FlagRedisAddr         = "redis-addr"
	FlagRedisPassword     = "redis-password"
	FlagRedisDB           = "redis-db"
	FlagChannelPrefix     = "channel-prefix"
	FlagAllowedOrigins    = "allowed-origins"
	FlagJWTSigningKey     = "jwt-signing-key"
	FlagJWTIssuer         = "jwt-issuer"
	FlagJWTCookieName     = "jwt-cookie-name"
	FlagAdminRole         = "admin-role"
	FlagPlatformUserID    = "platform-user-id"
	FlagRakePercent       = "rake-percent"
	FlagSweepInterval     = "sweep-interval"
	FlagMatchTimeout      = "match-timeout"
	FlagEvidenceWindow    = "evidence-window"
	FlagRequestTimeout    = "request-timeout"
	EnvPrefix             = "WAGER"
	StoreDriverGORM       = "gorm"
	StoreDriverPGX        = "pgx"
	defaultEnvFile        = ".env"
	defaultDatabaseURL    = "sqlite:///tmp/wager.db"
	defaultGRPCListenAddr = ":7000"
	defaultHTTPListenAddr = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultChannelPrefix  = "wager."
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultAdminRole      = "admin"
	defaultPlatformUserID = "platform"
	defaultRakePercent    = "10"
	defaultSweepInterval  = time.Minute
	defaultMatchTimeout   = 2 * time.Hour
	defaultEvidenceWindow = 90 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

// Config aggregates runtime settings for wagerd.
type Config struct {
	DatabaseURL       string
	StoreDriver       string
	GRPCListenAddr    string
	HTTPListenAddr    string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ChannelPrefix     string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRole         string
	PlatformUserID    string
	RakePercent       decimal.Decimal
	SweepInterval     time.Duration
	MatchTimeout      time.Duration
	EvidenceWindow    time.Duration
	RequestTimeout    time.Duration
}

// RegisterFlags declares every setting on the command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(FlagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// store URL")
	flags.String(FlagStoreDriver, StoreDriverGORM, "store implementation for postgres URLs: gorm or pgx")
	flags.String(FlagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	flags.String(FlagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address, empty disables the HTTP API")
	flags.String(FlagRedisAddr, "", "Redis address for events and live state, empty disables Redis")
	flags.String(FlagRedisPassword, "", "Redis password")
	flags.Int(FlagRedisDB, 0, "Redis database index")
	flags.String(FlagChannelPrefix, defaultChannelPrefix, "prefix of Redis event channels")
	flags.String(FlagAllowedOrigins, defaultAllowedOrigin, "comma-separated list of allowed CORS origins")
	flags.String(FlagJWTSigningKey, "", "TAuth JWT signing key (required with the HTTP API)")
	flags.String(FlagJWTIssuer, defaultSessionIssuer, "expected JWT issuer")
	flags.String(FlagJWTCookieName, defaultSessionCookie, "JWT cookie name")
	flags.String(FlagAdminRole, defaultAdminRole, "session role allowed to use admin routes")
	flags.String(FlagPlatformUserID, defaultPlatformUserID, "wallet credited with platform fees, empty disables fee crediting")
	flags.String(FlagRakePercent, defaultRakePercent, "default platform rake percent for new matches")
	flags.Duration(FlagSweepInterval, defaultSweepInterval, "interval of the stale match sweep")
	flags.Duration(FlagMatchTimeout, defaultMatchTimeout, "age after which an ACTIVE match is escalated")
	flags.Duration(FlagEvidenceWindow, defaultEvidenceWindow, "heartbeat freshness required to honour a forfeit")
	flags.Duration(FlagRequestTimeout, defaultRequestTimeout, "per-request timeout of the HTTP API")
}

// Load reads the flags registered by RegisterFlags, falling back to WAGER_* variables.
func Load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	envFile, err := flags.GetString(FlagEnvFile)
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile, flags.Changed(FlagEnvFile)); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(FlagDatabaseURL, EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, err
	}
	for _, flagName := range []string{
		FlagDatabaseURL, FlagStoreDriver, FlagGRPCListenAddr, FlagHTTPListenAddr, FlagRedisAddr,
		FlagRedisPassword, FlagRedisDB, FlagChannelPrefix, FlagAllowedOrigins, FlagJWTSigningKey,
		FlagJWTIssuer, FlagJWTCookieName, FlagAdminRole, FlagPlatformUserID, FlagRakePercent,
		FlagSweepInterval, FlagMatchTimeout, FlagEvidenceWindow, FlagRequestTimeout,
	} {
		if err := v.BindPFlag(flagName, flags.Lookup(flagName)); err != nil {
			return Config{}, err
		}
	}

	rake, err := decimal.NewFromString(strings.TrimSpace(v.GetString(FlagRakePercent)))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", FlagRakePercent, err)
	}
	cfg := Config{
		DatabaseURL:       strings.TrimSpace(v.GetString(FlagDatabaseURL)),
		StoreDriver:       strings.ToLower(strings.TrimSpace(v.GetString(FlagStoreDriver))),
		GRPCListenAddr:    strings.TrimSpace(v.GetString(FlagGRPCListenAddr)),
		HTTPListenAddr:    strings.TrimSpace(v.GetString(FlagHTTPListenAddr)),
		RedisAddr:         strings.TrimSpace(v.GetString(FlagRedisAddr)),
		RedisPassword:     v.GetString(FlagRedisPassword),
		RedisDB:           v.GetInt(FlagRedisDB),
		ChannelPrefix:     v.GetString(FlagChannelPrefix),
		AllowedOrigins:    ParseAllowedOrigins(v.GetString(FlagAllowedOrigins)),
		SessionSigningKey: v.GetString(FlagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(FlagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(FlagJWTCookieName)),
		AdminRole:         strings.TrimSpace(v.GetString(FlagAdminRole)),
		PlatformUserID:    strings.TrimSpace(v.GetString(FlagPlatformUserID)),
		RakePercent:       rake,
		SweepInterval:     v.GetDuration(FlagSweepInterval),
		MatchTimeout:      v.GetDuration(FlagMatchTimeout),
		EvidenceWindow:    v.GetDuration(FlagEvidenceWindow),
		RequestTimeout:    v.GetDuration(FlagRequestTimeout),
	}
	return cfg, cfg.Validate()
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = defaultIfEmpty(cfg.StoreDriver, StoreDriverGORM)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.ChannelPrefix = defaultIfEmpty(cfg.ChannelPrefix, defaultChannelPrefix)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = defaultMatchTimeout
	}
	if cfg.EvidenceWindow <= 0 {
		cfg.EvidenceWindow = defaultEvidenceWindow
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	switch cfg.StoreDriver {
	case StoreDriverGORM:
	case StoreDriverPGX:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %s requires a postgres database url", StoreDriverPGX)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.RakePercent.IsNegative() || cfg.RakePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("rake percent must be in [0, 100), got %s", cfg.RakePercent)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	if cfg.HTTPListenAddr != "" && len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required when the HTTP API is enabled")
	}
	return nil
}

// HTTPEnabled reports whether the HTTP API should be served.
func (cfg Config) HTTPEnabled() bool {
	return cfg.HTTPListenAddr != ""
}

// RedisEnabled reports whether events and live state go through Redis.
func (cfg Config) RedisEnabled() bool {
	return cfg.RedisAddr != ""
}

// IsPostgresURL reports whether the URL selects PostgreSQL.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// loadEnvFile never overrides variables already present in the environment.
// A missing default file is ignored; a missing explicit file is an error.
func loadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}
