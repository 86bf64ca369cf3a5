package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values.
type Config struct {
	// Job backend
	ServerURL     string
	Token         string
	Plugin        string
	Transport     string // "poll" or "stream"
	StreamURL     string
	PollInterval  time.Duration
	MaxPollErrors int
	JobTimeout    time.Duration
	RequiredAsset string

	// Preferences
	PrefsBackend string // "file" or "redis"
	PrefsFile    string
	RedisAddr    string
	RedisPrefix  string

	// Overlay layers written by the CLI
	LayersDir string

	// Job history (SurrealDB); empty HistoryURL disables history
	HistoryURL         string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present; real env vars take precedence.
func Load() Config {
	_ = godotenv.Load()

	dir := configDir()
	return Config{
		ServerURL:     getEnv("OBJDETECT_SERVER_URL", "http://localhost:8000"),
		Token:         getEnv("OBJDETECT_TOKEN", ""),
		Plugin:        getEnv("OBJDETECT_PLUGIN", "objdetect"),
		Transport:     getEnv("OBJDETECT_TRANSPORT", "poll"),
		StreamURL:     getEnv("OBJDETECT_STREAM_URL", ""),
		PollInterval:  getDuration("OBJDETECT_POLL_INTERVAL", 2*time.Second),
		MaxPollErrors: getInt("OBJDETECT_MAX_POLL_ERRORS", 10),
		JobTimeout:    getDuration("OBJDETECT_JOB_TIMEOUT", 0),
		RequiredAsset: getEnv("OBJDETECT_REQUIRED_ASSET", "orthophoto.tif"),

		PrefsBackend: getEnv("OBJDETECT_PREFS_BACKEND", "file"),
		PrefsFile:    getEnv("OBJDETECT_PREFS_FILE", filepath.Join(dir, "prefs.yaml")),
		RedisAddr:    getEnv("OBJDETECT_REDIS_ADDR", "localhost:6379"),
		RedisPrefix:  getEnv("OBJDETECT_REDIS_PREFIX", "objdetect:"),

		LayersDir: getEnv("OBJDETECT_LAYERS_DIR", filepath.Join(dir, "layers")),

		HistoryURL:         getEnv("OBJDETECT_HISTORY_URL", ""),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "objdetect"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "history"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  getEnv("OBJDETECT_LOG_FILE", filepath.Join(os.TempDir(), "objdetect.log")),
		LogLevel: parseLogLevel(getEnv("OBJDETECT_LOG_LEVEL", "INFO")),
	}
}

// configDir returns $XDG_CONFIG_HOME/objdetect, falling back to ~/.config.
func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "objdetect")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
