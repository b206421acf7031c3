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
	AWS      AWSConfig
	Proctor  ProctorConfig
	Merge    MergeConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	ClientRatePerSec   float64
	ClientRateBurst    int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/proctor?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret        string
	ExpireHours   int
	AdminPassword string
}

// AWSConfig holds AWS credentials and the bucket merged recordings are archived to.
// Archiving is disabled when RecordingsBucket is empty.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// ProctorConfig holds presence and lifecycle tuning.
type ProctorConfig struct {
	DataDir string // root of {exam_id}/recordings, screenshots, violations
	// HeartbeatTimeout is the staleness window. Clients heartbeat every 30s;
	// 90s tolerates two lost heartbeats before a student is flipped offline.
	HeartbeatTimeout  time.Duration
	RealtimeTTL       time.Duration
	ReconcileInterval time.Duration
	GracePeriod       time.Duration
	// SweepWindow is how long past the grace period a completed exam keeps
	// being swept for unmerged recordings.
	SweepWindow       time.Duration
	MaxUploadBytes    int64
}

// MergeConfig holds video merge pipeline settings.
type MergeConfig struct {
	FFmpegPath   string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	MarkerTTL    time.Duration
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	MergeWorkers      int
	ReconcileParallel int
	MetricsAddr       string
	DisableReconciler bool
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
			Port:               getEnv("PORT", "5000"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 120),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			ClientRatePerSec:   getEnvFloat("CLIENT_RATE_PER_SEC", 5),
			ClientRateBurst:    getEnvInt("CLIENT_RATE_BURST", 20),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "proctor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours:   getEnvInt("JWT_EXPIRE_HOURS", 12),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Proctor: ProctorConfig{
			DataDir:           getEnv("DATA_DIR", "server_data"),
			HeartbeatTimeout:  getEnvSeconds("HEARTBEAT_TIMEOUT_SEC", 90),
			RealtimeTTL:       getEnvSeconds("REALTIME_TTL_SEC", 180),
			ReconcileInterval: getEnvSeconds("RECONCILE_INTERVAL_SEC", 30),
			GracePeriod:       getEnvSeconds("MERGE_GRACE_PERIOD_SEC", 1800),
			SweepWindow:       getEnvSeconds("MERGE_SWEEP_WINDOW_SEC", 86400),
			MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_MB", 200)) * 1024 * 1024,
		},
		Merge: MergeConfig{
			FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
			Timeout:      getEnvSeconds("MERGE_TIMEOUT_SEC", 1800),
			MaxRetries:   getEnvInt("MERGE_MAX_RETRIES", 3),
			RetryBackoff: getEnvSeconds("MERGE_RETRY_BACKOFF_SEC", 60),
			MarkerTTL:    getEnvSeconds("MERGE_MARKER_TTL_SEC", 86400),
		},
		Worker: WorkerConfig{
			MergeWorkers:      getEnvInt("MERGE_WORKERS", 2),
			ReconcileParallel: getEnvInt("RECONCILE_PARALLEL", 8),
			MetricsAddr:       getEnv("WORKER_METRICS_ADDR", ":9102"),
			DisableReconciler: getEnvBool("DISABLE_RECONCILER", false),
		},
	}
	if cfg.Proctor.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT_SEC must be positive")
	}
	if cfg.Proctor.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("RECONCILE_INTERVAL_SEC must be positive")
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

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// SplitTrim splits s on sep and drops empty, whitespace-only parts.
func SplitTrim(s, sep string) []string {
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
