package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Zego     ZegoConfig
	AWS      AWSConfig
	Live     LiveConfig
	Backends BackendsConfig
	LogLevel string // LOG_LEVEL: debug, info, warn, error
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins []string // CORS_ALLOWED_ORIGINS, comma-separated; "*" allows all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/live?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs for the SFU.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env
}

// ZegoConfig holds ZEGOCLOUD credentials for the zego media backend.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string
	TokenTTL     time.Duration
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	S3Endpoint           string
	PresignExpireMinutes int
}

// LiveConfig holds the limits and timers of live sessions.
type LiveConfig struct {
	CoPresenterCap     int
	ProductsCap        int
	RequestMinInterval time.Duration
	RejectionCooldown  time.Duration
	PendingTTL         time.Duration
	SweepInterval      time.Duration
	ResyncInterval     time.Duration
	CounterTTL         time.Duration
	RateLimitPerMinute int
}

// BackendsConfig selects the implementation behind each pluggable component.
type BackendsConfig struct {
	Store   string // memory | postgres
	Fanout  string // memory | redis | nats
	Media   string // noop | sfu | zego
	Counter string // memory | redis
	NATSURL string
}

// NeedsRedis reports whether any selected backend talks to Redis.
func (b BackendsConfig) NeedsRedis() bool {
	return b.Fanout == "redis" || b.Counter == "redis"
}

// Validate rejects unknown backend names.
func (b BackendsConfig) Validate() error {
	for _, c := range []struct {
		name, value string
		allowed     []string
	}{
		{"STORE_BACKEND", b.Store, []string{"memory", "postgres"}},
		{"FANOUT_BACKEND", b.Fanout, []string{"memory", "redis", "nats"}},
		{"MEDIA_BACKEND", b.Media, []string{"noop", "sfu", "zego"}},
		{"COUNTER_BACKEND", b.Counter, []string{"memory", "redis"}},
	} {
		ok := false
		for _, a := range c.allowed {
			ok = ok || a == c.value
		}
		if !ok {
			return fmt.Errorf("%s=%q: want one of %s", c.name, c.value, strings.Join(c.allowed, ", "))
		}
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Zego: ZegoConfig{
			AppID:        uint32(getEnvInt("ZEGO_APP_ID", 0)),
			ServerSecret: getEnv("ZEGO_SERVER_SECRET", ""),
			TokenTTL:     getEnvDuration("ZEGO_TOKEN_TTL", 24*time.Hour),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "live-archives"),
			S3Endpoint:           getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Live: LiveConfig{
			CoPresenterCap:     getEnvInt("LIVE_COPRESENTER_CAP", 8),
			ProductsCap:        getEnvInt("LIVE_PRODUCTS_CAP", 20),
			RequestMinInterval: getEnvDuration("LIVE_REQUEST_MIN_INTERVAL", 5*time.Second),
			RejectionCooldown:  getEnvDuration("LIVE_REJECTION_COOLDOWN", 30*time.Second),
			PendingTTL:         getEnvDuration("LIVE_PENDING_TTL", 2*time.Minute),
			SweepInterval:      getEnvDuration("LIVE_SWEEP_INTERVAL", 15*time.Second),
			ResyncInterval:     getEnvDuration("LIVE_RESYNC_INTERVAL", 30*time.Second),
			CounterTTL:         getEnvDuration("LIVE_COUNTER_TTL", 24*time.Hour),
			RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		},
		Backends: BackendsConfig{
			Store:   getEnv("STORE_BACKEND", "memory"),
			Fanout:  getEnv("FANOUT_BACKEND", "memory"),
			Media:   getEnv("MEDIA_BACKEND", "noop"),
			Counter: getEnv("COUNTER_BACKEND", "memory"),
			NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Backends.Validate(); err != nil {
		return nil, err
	}
	if cfg.Live.CoPresenterCap < 0 || cfg.Live.ProductsCap <= 0 {
		return nil, fmt.Errorf("LIVE_COPRESENTER_CAP must be >= 0 and LIVE_PRODUCTS_CAP > 0")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
