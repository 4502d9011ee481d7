package observability

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ErrorLogField is the key used for error fields in logs
	ErrorLogField string = "error"
)

// Logger interface - defines the common logging methods
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
	WithErr(err error) Logger
}

// DefaultLogger writes plain text lines through the standard log package.
type DefaultLogger struct {
	out    *log.Logger
	fields map[string]interface{}
	err    error
}

// NewDefaultLogger creates a DefaultLogger writing to stderr. Stdout is reserved
// for protocol frames.
func NewDefaultLogger() Logger {
	return NewDefaultLoggerWithWriter(os.Stderr)
}

// NewDefaultLoggerWithWriter creates a DefaultLogger writing to w.
func NewDefaultLoggerWithWriter(w io.Writer) Logger {
	return &DefaultLogger{
		out:    log.New(w, "", log.LstdFlags),
		fields: map[string]interface{}{},
	}
}

func (l *DefaultLogger) Debug(args ...interface{}) { l.print("DEBUG", args...) }
func (l *DefaultLogger) Info(args ...interface{})  { l.print("INFO", args...) }
func (l *DefaultLogger) Warn(args ...interface{})  { l.print("WARN", args...) }
func (l *DefaultLogger) Error(args ...interface{}) { l.print("ERROR", args...) }

// WithFields returns a child logger carrying the merged fields.
func (l *DefaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &DefaultLogger{out: l.out, fields: merged, err: l.err}
}

// WithContext is a no-op for DefaultLogger.
func (l *DefaultLogger) WithContext(ctx context.Context) Logger {
	return l
}

// WithErr returns a child logger that appends err to every line.
func (l *DefaultLogger) WithErr(err error) Logger {
	return &DefaultLogger{out: l.out, fields: l.fields, err: err}
}

func (l *DefaultLogger) print(level string, args ...interface{}) {
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[" + level + "] ")
	b.WriteString(fmt.Sprint(args...))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, l.fields[k])
	}
	if l.err != nil {
		fmt.Fprintf(&b, " %s=%v", ErrorLogField, l.err)
	}
	l.out.Print(b.String())
}

// NullLogger - a logger that does nothing
type NullLogger struct{}

// NewNullLogger creates a new NullLogger
func NewNullLogger() Logger {
	return &NullLogger{}
}

func (l *NullLogger) Debug(args ...interface{}) {}
func (l *NullLogger) Info(args ...interface{})  {}
func (l *NullLogger) Warn(args ...interface{})  {}
func (l *NullLogger) Error(args ...interface{}) {}

func (l *NullLogger) WithFields(fields map[string]interface{}) Logger { return l }
func (l *NullLogger) WithContext(ctx context.Context) Logger          { return l }
func (l *NullLogger) WithErr(err error) Logger                        { return l }

// SlogLogger implements the Logger interface using log/slog
type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

// NewSlogLogger creates a new SlogLogger with the provided slog.Logger
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger, ctx: context.Background()}
}

func (l *SlogLogger) Debug(args ...interface{}) {
	l.logger.DebugContext(l.ctx, fmt.Sprint(args...))
}

func (l *SlogLogger) Info(args ...interface{}) {
	l.logger.InfoContext(l.ctx, fmt.Sprint(args...))
}

func (l *SlogLogger) Warn(args ...interface{}) {
	l.logger.WarnContext(l.ctx, fmt.Sprint(args...))
}

func (l *SlogLogger) Error(args ...interface{}) {
	l.logger.ErrorContext(l.ctx, fmt.Sprint(args...))
}

// WithFields adds fields to the logger and returns a new SlogLogger
func (l *SlogLogger) WithFields(fields map[string]interface{}) Logger {
	attrs := make([]any, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &SlogLogger{logger: l.logger.With(attrs...), ctx: l.ctx}
}

// WithContext binds ctx so handlers can read values from it.
func (l *SlogLogger) WithContext(ctx context.Context) Logger {
	return &SlogLogger{logger: l.logger, ctx: ctx}
}

// WithErr adds an error to the logger and returns a new SlogLogger
func (l *SlogLogger) WithErr(err error) Logger {
	return &SlogLogger{logger: l.logger.With(slog.Any(ErrorLogField, err)), ctx: l.ctx}
}

// LogrusLogger implements the Logger interface using logrus
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a new LogrusLogger with the provided logrus.Logger
func NewLogrusLogger(logger *logrus.Logger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *LogrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	return &LogrusLogger{entry: l.entry.WithContext(ctx)}
}

func (l *LogrusLogger) WithErr(err error) Logger {
	return &LogrusLogger{entry: l.entry.WithError(err)}
}

// ZapLogger implements the Logger interface using uber-go/zap
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger creates a new ZapLogger with the provided zap.Logger. A nil
// logger falls back to a production logger.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

func (l *ZapLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *ZapLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *ZapLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *ZapLogger) Error(args ...interface{}) { l.sugar.Error(args...) }

func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	zapFields := make([]zapcore.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{sugar: l.sugar.Desugar().With(zapFields...).Sugar()}
}

func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	return l
}

func (l *ZapLogger) WithErr(err error) Logger {
	return &ZapLogger{sugar: l.sugar.Desugar().With(zap.Error(err)).Sugar()}
}

// ZerologLogger implements the Logger interface using rs/zerolog
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) Logger {
	return &ZerologLogger{logger: logger}
}

func (l *ZerologLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *ZerologLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *ZerologLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *ZerologLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }

func (l *ZerologLogger) WithFields(fields map[string]interface{}) Logger {
	return &ZerologLogger{logger: l.logger.With().Fields(fields).Logger()}
}

func (l *ZerologLogger) WithContext(ctx context.Context) Logger {
	return &ZerologLogger{logger: l.logger.With().Ctx(ctx).Logger()}
}

func (l *ZerologLogger) WithErr(err error) Logger {
	return &ZerologLogger{logger: l.logger.With().Err(err).Logger()}
}

// NewLogger builds a Logger for one of the supported formats: zerolog (console
// output), logrus, zap, slog or text. level is one of debug, info, warn, error.
func NewLogger(format, level string, w io.Writer) (Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "info"
	}
	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	switch strings.ToLower(format) {
	case "", "zerolog":
		zl, _ := zerolog.ParseLevel(lvl)
		return NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			Level(zl).With().Timestamp().Logger()), nil
	case "logrus":
		ll, _ := logrus.ParseLevel(lvl)
		lg := logrus.New()
		lg.SetOutput(w)
		lg.SetLevel(ll)
		return NewLogrusLogger(lg), nil
	case "zap":
		var zl zapcore.Level
		if err := zl.UnmarshalText([]byte(lvl)); err != nil {
			return nil, err
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		return NewZapLogger(zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zl))), nil
	case "slog":
		var sl slog.Level
		if err := sl.UnmarshalText([]byte(lvl)); err != nil {
			return nil, err
		}
		return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: sl}))), nil
	case "text":
		return NewDefaultLoggerWithWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}
