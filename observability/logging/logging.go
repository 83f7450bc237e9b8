package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation configures an optional rotating log file written alongside stdout.
type Rotation struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type options struct {
	level    slog.Level
	rotation *Rotation
	out      io.Writer
}

// Option customises Setup.
type Option func(*options)

// WithLevel sets the minimum emitted level.
func WithLevel(level string) Option {
	return func(o *options) {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case "debug":
			o.level = slog.LevelDebug
		case "warn", "warning":
			o.level = slog.LevelWarn
		case "error":
			o.level = slog.LevelError
		default:
			o.level = slog.LevelInfo
		}
	}
}

// WithRotation tees log output into a size-rotated file.
func WithRotation(r Rotation) Option {
	return func(o *options) {
		if strings.TrimSpace(r.Path) == "" {
			return
		}
		o.rotation = &r
	}
}

// WithOutput replaces stdout as the primary sink.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger. Every line carries the service name and, when set, the
// environment.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{level: slog.LevelInfo, out: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}
	out := cfg.out
	if cfg.rotation != nil {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.rotation.Path,
			MaxSize:    defaultInt(cfg.rotation.MaxSizeMB, 100),
			MaxBackups: cfg.rotation.MaxBackups,
			MaxAge:     cfg.rotation.MaxAgeDays,
			Compress:   cfg.rotation.Compress,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	scoped := handler.WithAttrs(attrs)
	base := slog.New(scoped)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(scoped, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
