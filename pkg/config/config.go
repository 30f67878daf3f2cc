package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all services
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Jobs       JobsConfig       `yaml:"jobs"`
	ProxyCache ProxyCacheConfig `yaml:"proxy_cache"`
	License    LicenseConfig    `yaml:"license"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// PublicURL is used to build absolute Location and token realm URLs.
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	// Path is the sqlite database file, used when Driver is sqlite.
	Path string `yaml:"path"`
}

// RedisConfig holds Redis connection settings. When Enabled is false the
// process falls back to in-memory locks, sessions and proxy cache entries,
// which are only safe for single-instance deployments.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the process-wide default blob storage configuration
type StorageConfig struct {
	Type           string            `yaml:"type"` // filesystem, s3
	Bucket         string            `yaml:"bucket"`
	Region         string            `yaml:"region"`
	Endpoint       string            `yaml:"endpoint"`
	AccessKey      string            `yaml:"access_key"`
	SecretKey      string            `yaml:"secret_key"`
	ForcePathStyle bool              `yaml:"force_path_style"`
	LocalPath      string            `yaml:"local_path"`
	Options        map[string]string `yaml:"options"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	BCryptCost    int           `yaml:"bcrypt_cost"`
	// TokenService is the "service" advertised in WWW-Authenticate challenges.
	TokenService string `yaml:"token_service"`
	// InternalSecret authenticates trusted internal callers using the role header.
	InternalSecret string `yaml:"internal_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// JobsConfig holds job queue and worker settings
type JobsConfig struct {
	WorkerID       string        `yaml:"worker_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Retention      time.Duration `yaml:"retention"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// ProxyCacheConfig holds proxy repository cache settings
type ProxyCacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	DefaultMaxAge   int           `yaml:"default_max_age_days"`
}

// LicenseConfig lists the entitled feature keys. An empty list with Active
// false means the community feature set only.
type LicenseConfig struct {
	Active   bool     `yaml:"active"`
	Features []string `yaml:"features"`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			PublicURL:    getEnv("SERVER_PUBLIC_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "cairn"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "cairn"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "./cairn.db"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:           getEnv("STORAGE_TYPE", "filesystem"),
			Bucket:         getEnv("STORAGE_BUCKET", "cairn-artifacts"),
			Region:         getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:       getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:      getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:      getEnv("STORAGE_SECRET_KEY", ""),
			ForcePathStyle: getEnvBool("STORAGE_FORCE_PATH_STYLE", false),
			LocalPath:      getEnv("STORAGE_LOCAL_PATH", "./artifacts"),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key"),
			JWTExpiration:  getEnvDuration("JWT_EXPIRATION", 15*time.Minute),
			BCryptCost:     getEnvInt("BCRYPT_COST", 12),
			TokenService:   getEnv("TOKEN_SERVICE", "cairn-registry"),
			InternalSecret: getEnv("INTERNAL_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Jobs: JobsConfig{
			WorkerID:       getEnv("JOBS_WORKER_ID", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
			PollInterval:   getEnvDuration("JOBS_POLL_INTERVAL", 2*time.Second),
			StaleThreshold: getEnvDuration("JOBS_STALE_THRESHOLD", 5*time.Minute),
			SweepInterval:  getEnvDuration("JOBS_SWEEP_INTERVAL", time.Minute),
			Retention:      getEnvDuration("JOBS_RETENTION", 7*24*time.Hour),
			MaxAttempts:    getEnvInt("JOBS_MAX_ATTEMPTS", 3),
		},
		ProxyCache: ProxyCacheConfig{
			DefaultTTL:      getEnvDuration("PROXY_CACHE_TTL", time.Hour),
			CleanupInterval: getEnvDuration("PROXY_CACHE_CLEANUP_INTERVAL", time.Hour),
			FetchTimeout:    getEnvDuration("PROXY_FETCH_TIMEOUT", 30*time.Second),
			PingTimeout:     getEnvDuration("PROXY_PING_TIMEOUT", 3*time.Second),
			PingInterval:    getEnvDuration("PROXY_PING_INTERVAL", 5*time.Minute),
			DefaultMaxAge:   getEnvInt("PROXY_CACHE_MAX_AGE_DAYS", 30),
		},
		License: LicenseConfig{
			Active:   getEnvBool("LICENSE_ACTIVE", false),
			Features: getEnvList("LICENSE_FEATURES", []string{"docker", "generic", "generic-proxy"}),
		},
	}
}

// LoadFile reads a YAML file over the environment defaults. Keys absent from
// the file keep their environment values.
func LoadFile(path string) (*Config, error) {
	cfg := LoadFromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SetupLogging configures the global zerolog logger
func (l *LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if l.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
