// Package config loads the engine's startup configuration from the
// environment, in the teacher's getStringOrDefault/getBoolOrDefault/
// getIntOrDefault style (pkg/config/config.go), but returns a single value
// instead of populating a package-level GlobalConfig: spec.md §9 retires
// ambient global state in favor of one Engine value the host owns.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the engine's full startup configuration (spec.md §3
// EngineConfig, §6.4 host integration surface).
type Config struct {
	OtaBase      string `env:"OTA_BASE"`
	Product      string `env:"PRODUCT"`
	BoardVersion string `env:"BOARD_VERSION"`
	StorePath    string `env:"STORE_PATH"`
	ForceNew     bool   `env:"FORCE_NEW_DEVICE_ID"`

	Log LogConfig `env:"LOG"`
}

// LogConfig mirrors the teacher's logger.LogConfig shape (pkg/logger/logger.go),
// now owned by pkg/logging.
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
	Mode       string `env:"LOG_MODE"`
}

// Load reads .env (if present; a missing file is not an error) then layers
// environment variables over defaults. spec.md §6.4: "environment variables
// read by the engine are limited to a single debug switch that forces
// identity regeneration" plus the ambient ota_base/product/board fields
// needed to reach a server at all.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		OtaBase:      getStringOrDefault("OTA_BASE", "https://api.tenclass.net/xiaozhi/"),
		Product:      getStringOrDefault("PRODUCT", "xiaozhi-board"),
		BoardVersion: getStringOrDefault("BOARD_VERSION", "1.0.0"),
		StorePath:    getStringOrDefault("STORE_PATH", "./xiaozhi-state.json"),
		ForceNew:     getBoolOrDefault("FORCE_NEW_DEVICE_ID", false),
		Log: LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/xiaozhi-client.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 50),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 14),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 3),
			Mode:       getStringOrDefault("LOG_MODE", "console"),
		},
	}
}

func getStringOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getIntOrDefault(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
