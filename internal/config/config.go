package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	APIKey         string
	WorkerURL      string
	WorkerTimeout  time.Duration
	QueueWorkers   int
	QueueBuf       int
	MaxUploadBytes int64

	StorageMode      string
	LocalStorageDir  string
	S3Bucket         string
	S3Endpoint       string
	S3Region         string
	AWSAccessKey     string
	AWSSecretKey     string
	S3ForcePathStyle bool

	RedisURL        string
	StatusMirrorTTL time.Duration
}

// HTTPAddr is the listen address derived from PORT.
func (c Config) HTTPAddr() string {
	return ":" + c.Port
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func mustInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "true" || v == "1" {
			return true
		}
		if v == "false" || v == "0" {
			return false
		}
		slog.Warn("bad bool env, using default", "key", key, "value", v)
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		slog.Warn("bad duration env, using default", "key", key, "value", v)
	}
	return def
}

func loadEnvFiles() {
	for _, envFile := range []string{".env.local", ".env"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				slog.Debug("failed to load environment file", "path", envFile, "error", err)
			}
		}
	}
}

func Load() Config {
	loadEnvFiles()
	return Config{
		Port:           getenv("PORT", "8080"),
		APIKey:         getenv("API_KEY", "dev-key-change-me"),
		WorkerURL:      getenv("WORKER_URL", "http://localhost:9000"),
		WorkerTimeout:  mustDuration("WORKER_TIMEOUT", 60*time.Second),
		QueueWorkers:   mustInt("QUEUE_WORKERS", 4),
		QueueBuf:       mustInt("QUEUE_BUFFER", 256),
		MaxUploadBytes: mustInt64("MAX_UPLOAD_SIZE", 256<<20),

		StorageMode:      getenv("STORAGE_MODE", "local"),
		LocalStorageDir:  getenv("LOCAL_STORAGE_DIR", "./data"),
		S3Bucket:         getenv("S3_BUCKET", "playtrack-media"),
		S3Endpoint:       getenv("S3_ENDPOINT", ""),
		S3Region:         getenv("S3_REGION", "us-east-1"),
		AWSAccessKey:     getenv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:     getenv("AWS_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle: getBool("S3_FORCE_PATH_STYLE", false),

		RedisURL:        getenv("REDIS_URL", ""),
		StatusMirrorTTL: mustDuration("STATUS_MIRROR_TTL", 24*time.Hour),
	}
}
