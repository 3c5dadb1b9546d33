package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Rank attribute keys. PrettyHandler renders them as a "[r1/4 n0]" tag instead of key=value pairs.
const (
	KeyRank      = "rank"
	KeySize      = "size"
	KeyIntraRank = "intra_rank"
	KeyInterRank = "inter_rank"
)

// Logger is the logging surface used across gradsync.
// Communicators receive one through their options; the CLI stores one in the context.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	Enabled(level slog.Level) bool
}

type slogLogger struct {
	logger *slog.Logger
}

func New(handler slog.Handler) Logger {
	return &slogLogger{logger: slog.New(handler)}
}

// Default writes text records at info level to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Discard drops every record. Used when a caller does not supply a logger.
func Discard() Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Pretty writes colored single-line records for terminals.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// ForFormat picks a logger by the --log-format flag value. Unknown formats fall back to pretty.
func ForFormat(w io.Writer, format string, level slog.Level) Logger {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSON(w, level)
	case "text":
		return Text(w, level)
	default:
		return Pretty(w, level)
	}
}

// Ranked is satisfied by topology.Topology.
type Ranked interface {
	Ranks() (global, size, intra, inter int)
}

// ForRank returns l annotated with the process position in the group.
func ForRank(l Logger, r Ranked) Logger {
	if l == nil {
		l = Discard()
	}
	global, size, intra, inter := r.Ranks()
	return l.With(KeyRank, global, KeySize, size, KeyIntraRank, intra, KeyInterRank, inter)
}

type loggerKey struct{}

// FromContext returns the logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

func (l *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{logger: l.logger.WithGroup(name)}
}

func (l *slogLogger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

// ParseLevel maps a flag value to a level. Matching is case-insensitive; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
