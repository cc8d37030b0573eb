// Package logging configures the zap logger shared by every engine component.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how the engine writes its logs.
type Config struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
	Mode       string `env:"LOG_MODE"` // "dev" enables a colorized console tee
}

// DefaultConfig returns sane defaults for a device client running unattended.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Filename:   "xiaozhi-client.log",
		MaxSize:    10,
		MaxAge:     7,
		MaxBackups: 3,
		Mode:       "production",
	}
}

// New builds a *zap.Logger from cfg. Unlike the teacher's pkg/logger it never
// touches zap's package-level globals: the Engine owns the returned logger
// and passes it explicitly to every component it constructs.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
	}

	encoder := jsonEncoder()
	writer := fileWriter(cfg)

	var core zapcore.Core
	if cfg.Mode == "dev" || cfg.Mode == "development" {
		core = zapcore.NewTee(
			zapcore.NewCore(encoder, writer, level),
			zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), level),
		)
	} else {
		core = zapcore.NewCore(encoder, writer, level)
	}

	return zap.New(core, zap.AddCaller()), nil
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "time"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("\x1b[90m" + t.Format("2006-01-02 15:04:05.000") + "\x1b[0m")
	}
	levelColor := map[zapcore.Level]string{
		zapcore.DebugLevel: "\x1b[35m",
		zapcore.InfoLevel:  "\x1b[36m",
		zapcore.WarnLevel:  "\x1b[33m",
		zapcore.ErrorLevel: "\x1b[31m",
		zapcore.FatalLevel: "\x1b[31m",
	}
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		color, ok := levelColor[l]
		if !ok {
			color = "\x1b[0m"
		}
		enc.AppendString(color + "[" + l.CapitalString() + "]\x1b[0m")
	}
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func fileWriter(cfg Config) zapcore.WriteSyncer {
	if cfg.Filename == "" {
		return zapcore.AddSync(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
	})
}

// Mask renders only the first and last four characters of a secret-ish
// identifier, per the log redaction policy: activation codes are shown
// verbatim (they are meant to be read by a human), everything else masked.
// Strings of 8 bytes or fewer keep only their first and last byte, and
// strings of 2 bytes or fewer are replaced entirely by "****".
func Mask(s string) string {
	if len(s) <= 8 {
		if len(s) <= 2 {
			return "****"
		}
		return s[:1] + "****" + s[len(s)-1:]
	}
	return s[:4] + "..." + s[len(s)-4:]
}
