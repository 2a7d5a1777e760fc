package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Storage   StorageConfig
	S3        S3Config
	CloudDisk CloudDiskConfig
	Compiler  CompilerConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Admin     AdminConfig
	Log       LogConfig
}

// AdminConfig holds the seeded admin account. The password is only applied
// when the user is first created.
type AdminConfig struct {
	Email    string
	Password string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/portalmark?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings for the job queues.
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

// StorageConfig holds settings for the default local provider and for
// credential encryption.
type StorageConfig struct {
	LocalBasePath string // root directory for the default local connection
	PublicBaseURL string // external URL of this server, used to build file URLs
	CredentialKey string // hex-encoded 32-byte key for credential encryption
	ScratchDir    string // work area for downloads and compiles; empty = os.TempDir()
}

// S3Config holds defaults applied to S3-compatible connections that omit a
// field. Purpose buckets fall back to Bucket when unset.
type S3Config struct {
	Region               string
	Endpoint             string // empty = AWS
	UseTLS               bool
	UsePathStyle         bool
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	MarkersBucket        string
	VideosBucket         string
	ThumbnailsBucket     string
	PublicRead           bool
	PresignExpireMinutes int
}

// CloudDiskConfig holds the OAuth client for cloud-disk connections.
type CloudDiskConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	APIBase      string
}

// CompilerConfig holds settings for the external marker compiler.
type CompilerConfig struct {
	BinaryPath  string
	MaxFeatures int
	TimeoutSec  int
}

// Timeout returns the hard deadline for one compiler run.
func (c CompilerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SchedulerConfig holds the cadences of the periodic jobs.
type SchedulerConfig struct {
	ExpiryWarningHourUTC    int // daily warning fires at this UTC hour
	ExpiryWarningWindowDays int
	DeactivationIntervalSec int
	RotationIntervalSec     int
	TokenRefreshIntervalSec int
}

// DeactivationInterval returns the expiry deactivation cadence.
func (c SchedulerConfig) DeactivationInterval() time.Duration {
	return time.Duration(c.DeactivationIntervalSec) * time.Second
}

// RotationInterval returns the rotation sweep cadence.
func (c SchedulerConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalSec) * time.Second
}

// TokenRefreshInterval returns the credential refresher cadence.
func (c SchedulerConfig) TokenRefreshInterval() time.Duration {
	return time.Duration(c.TokenRefreshIntervalSec) * time.Second
}

// WorkerConfig holds per-queue worker counts and shutdown behavior.
type WorkerConfig struct {
	MarkerWorkers       int
	NotificationWorkers int
	DefaultWorkers      int
	ShutdownGraceSec    int
}

// ShutdownGrace returns how long shutdown waits for in-flight jobs.
func (c WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
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
// Every setting has a safe default for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/portalmark?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "portalmark"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
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
		Storage: StorageConfig{
			LocalBasePath: getEnv("STORAGE_BASE_PATH", "./data/storage"),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			CredentialKey: getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
			ScratchDir:    getEnv("SCRATCH_DIR", ""),
		},
		S3: S3Config{
			Region:               getEnv("S3_REGION", "us-east-1"),
			Endpoint:             getEnv("S3_ENDPOINT", ""),
			UseTLS:               getEnvBool("S3_USE_TLS", true),
			UsePathStyle:         getEnvBool("S3_USE_PATH_STYLE", false),
			AccessKeyID:          getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
			Bucket:               getEnv("S3_BUCKET", "portalmark"),
			MarkersBucket:        getEnv("S3_MARKERS_BUCKET", ""),
			VideosBucket:         getEnv("S3_VIDEOS_BUCKET", ""),
			ThumbnailsBucket:     getEnv("S3_THUMBNAILS_BUCKET", ""),
			PublicRead:           getEnvBool("S3_PUBLIC_READ", false),
			PresignExpireMinutes: getEnvInt("S3_PRESIGN_EXPIRE_MINUTES", 15),
		},
		CloudDisk: CloudDiskConfig{
			ClientID:     getEnv("CLOUDDISK_CLIENT_ID", ""),
			ClientSecret: getEnv("CLOUDDISK_CLIENT_SECRET", ""),
			AuthURL:      getEnv("CLOUDDISK_AUTH_URL", "https://oauth.yandex.com/authorize"),
			TokenURL:     getEnv("CLOUDDISK_TOKEN_URL", "https://oauth.yandex.com/token"),
			RedirectURL:  getEnv("CLOUDDISK_REDIRECT_URL", "http://localhost:8080/oauth/cloud_disk/callback"),
			APIBase:      getEnv("CLOUDDISK_API_BASE", "https://cloud-api.yandex.net/v1/disk"),
		},
		Compiler: CompilerConfig{
			BinaryPath:  getEnv("MARKER_COMPILER_PATH", "mindar-compiler"),
			MaxFeatures: getEnvInt("MARKER_MAX_FEATURES", 1000),
			TimeoutSec:  getEnvInt("MARKER_COMPILE_TIMEOUT_SEC", 120),
		},
		Scheduler: SchedulerConfig{
			ExpiryWarningHourUTC:    getEnvInt("EXPIRY_WARNING_HOUR_UTC", 9),
			ExpiryWarningWindowDays: getEnvInt("EXPIRY_WARNING_WINDOW_DAYS", 7),
			DeactivationIntervalSec: getEnvInt("DEACTIVATION_INTERVAL_SEC", 60),
			RotationIntervalSec:     getEnvInt("ROTATION_SWEEP_INTERVAL_SEC", 300),
			TokenRefreshIntervalSec: getEnvInt("TOKEN_REFRESH_INTERVAL_SEC", 60),
		},
		Worker: WorkerConfig{
			MarkerWorkers:       getEnvInt("MARKER_WORKERS", 2),
			NotificationWorkers: getEnvInt("NOTIFICATION_WORKERS", 1),
			DefaultWorkers:      getEnvInt("DEFAULT_WORKERS", 2),
			ShutdownGraceSec:    getEnvInt("SHUTDOWN_GRACE_SEC", 30),
		},
		Admin: AdminConfig{
			Email:    getEnv("ADMIN_EMAIL", "admin@portalmark.local"),
			Password: getEnv("ADMIN_PASSWORD", "admin123"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.ExpiryWarningHourUTC < 0 || c.Scheduler.ExpiryWarningHourUTC > 23 {
		return fmt.Errorf("EXPIRY_WARNING_HOUR_UTC must be 0..23, got %d", c.Scheduler.ExpiryWarningHourUTC)
	}
	if c.Scheduler.DeactivationIntervalSec < 1 || c.Scheduler.RotationIntervalSec < 1 {
		return fmt.Errorf("scheduler intervals must be at least 1s")
	}
	if c.Compiler.MaxFeatures < 1 {
		return fmt.Errorf("MARKER_MAX_FEATURES must be positive, got %d", c.Compiler.MaxFeatures)
	}
	if c.Worker.MarkerWorkers < 1 || c.Worker.NotificationWorkers < 1 || c.Worker.DefaultWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
