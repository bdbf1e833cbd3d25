package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	// DefaultAccessTokenMinutes applies when JWT_TOKEN_EXPIRATION_MINUTES is absent or unparseable.
	DefaultAccessTokenMinutes = 5
	// DefaultRefreshTokenDays applies when JWT_REFRESH_TOKEN_EXPIRATION_DAYS is absent or unparseable.
	DefaultRefreshTokenDays = 7
	// MinSigningKeyBytes is the shortest HS256 key accepted.
	MinSigningKeyBytes = 32
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Audit    AuditConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	RunMigrations bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig carries the signing material and token lifetimes.
type JWTConfig struct {
	Key                string
	Issuer             string
	Audience           string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig sizes the background audit writer.
type AuditConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:          v.GetString("DB_HOST"),
		Port:          v.GetInt("DB_PORT"),
		User:          v.GetString("DB_USER"),
		Password:      v.GetString("DB_PASSWORD"),
		Name:          v.GetString("DB_NAME"),
		SSLMode:       v.GetString("DB_SSL_MODE"),
		MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
		RunMigrations: v.GetBool("DB_RUN_MIGRATIONS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Key:                strings.TrimSpace(v.GetString("JWT_KEY")),
		Issuer:             strings.TrimSpace(v.GetString("JWT_ISSUER")),
		Audience:           strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		AccessTokenExpiry:  parseMinutes(v.GetString("JWT_TOKEN_EXPIRATION_MINUTES"), DefaultAccessTokenMinutes),
		RefreshTokenExpiry: parseDays(v.GetString("JWT_REFRESH_TOKEN_EXPIRATION_DAYS"), DefaultRefreshTokenDays),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Workers:    v.GetInt("AUDIT_WORKERS"),
		BufferSize: v.GetInt("AUDIT_BUFFER"),
		MaxRetries: v.GetInt("AUDIT_MAX_RETRIES"),
	}

	return cfg
}

// Validate checks the settings that the token lifecycle cannot run without.
func (c *Config) Validate() error {
	return c.JWT.Validate()
}

// Validate reports a configuration error for a missing or malformed signing setup.
func (j JWTConfig) Validate() error {
	switch {
	case j.Key == "":
		return appErrors.Clone(appErrors.ErrConfiguration, "JWT_KEY is required")
	case len(j.Key) < MinSigningKeyBytes:
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("JWT_KEY must be at least %d bytes", MinSigningKeyBytes))
	case j.Issuer == "":
		return appErrors.Clone(appErrors.ErrConfiguration, "JWT_ISSUER is required")
	case j.Audience == "":
		return appErrors.Clone(appErrors.ErrConfiguration, "JWT_AUDIENCE is required")
	case j.AccessTokenExpiry <= 0 || j.RefreshTokenExpiry <= 0:
		return appErrors.Clone(appErrors.ErrConfiguration, "token lifetimes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "snapnfix")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_RUN_MIGRATIONS", true)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_KEY", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_TOKEN_EXPIRATION_MINUTES", "")
	v.SetDefault("JWT_REFRESH_TOKEN_EXPIRATION_DAYS", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER", 64)
	v.SetDefault("AUDIT_MAX_RETRIES", 3)
}

// parseMinutes reads a (possibly fractional) number of minutes.
func parseMinutes(raw string, fallback int) time.Duration {
	minutes, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || minutes <= 0 {
		return time.Duration(fallback) * time.Minute
	}
	return time.Duration(minutes * float64(time.Minute))
}

func parseDays(raw string, fallback int) time.Duration {
	days, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || days <= 0 {
		days = fallback
	}
	return time.Duration(days) * 24 * time.Hour
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
