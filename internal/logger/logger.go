// Package logger is the service's slog setup: tint on a terminal, JSON in
// deployments, with the request, user and query in scope attached to every
// line.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var instanceID = detectInstanceID()

func detectInstanceID() string {
	for _, key := range []string{"INSTANCE_ID", "HOSTNAME"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// InstanceID names this replica. Every line carries it as instance_id.
func InstanceID() string {
	return instanceID
}

// Config holds the configuration of the logger.
type Config struct {
	Level slog.Level
	// Format is "json" or "text".
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given config.
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	if config.Format == "json" {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     config.Level,
			AddSource: true,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
				}
				return a
			},
		})
	} else {
		h = tint.NewHandler(out, &tint.Options{
			Level:      config.Level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
	}
	return &Logger{Logger: slog.New(h).With(slog.String("instance_id", instanceID))}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: slog.LevelError + 4, Output: io.Discard})
}

// FromConfig maps LOG_LEVEL and LOG_FORMAT to a Config. Unknown levels fall
// back to info.
func FromConfig(level, format string) Config {
	config := Config{Level: slog.LevelInfo, Format: "text"}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
		config.Level = lvl
	}
	if f := strings.ToLower(strings.TrimSpace(format)); f == "json" {
		config.Format = f
	}
	return config
}

// WithComponent tags every line with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// WithContext attaches whatever identifiers ctx carries.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.With(attrs...)}
}
