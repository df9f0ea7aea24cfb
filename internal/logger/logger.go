package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field represents a logging field
type Field struct {
	Key   string
	Value interface{}
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level      string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal"`
	Format     string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
	Output     string `yaml:"output" json:"output"`
	TimeFormat string `yaml:"time_format" json:"time_format"`
	Caller     bool   `yaml:"caller" json:"caller"`

	// Writer overrides Output when set.
	Writer io.Writer `yaml:"-" json:"-"`
}

// DefaultLogConfig logs JSON at info level to stderr, keeping stdout free
// for command output.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	}
}

type zeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	mu     sync.RWMutex
	global *zeroLogger
)

// Initialize (re)configures the process-wide logger.
func Initialize(config LogConfig) {
	out := openOutput(config)
	if config.Format == "console" {
		tf := config.TimeFormat
		if tf == "" {
			tf = time.Kitchen
		}
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: tf}
	}

	zerolog.SetGlobalLevel(parseLevel(config.Level))

	ctx := zerolog.New(out).With().Timestamp()
	if config.Caller {
		ctx = ctx.Caller()
	}

	l := &zeroLogger{logger: ctx.Logger()}

	mu.Lock()
	global = l
	log.Logger = l.logger
	mu.Unlock()
}

func openOutput(config LogConfig) io.Writer {
	if config.Writer != nil {
		return config.Writer
	}
	switch config.Output {
	case "", "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return os.Stderr
		}
		return file
	}
}

// Get returns the process-wide logger, initializing defaults on first use
func Get() Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	Initialize(DefaultLogConfig())
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// New returns a logger tagged with a component name
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &zeroLogger{logger: zerolog.Nop()}
}

func (l *zeroLogger) WithContext(ctx context.Context) Logger {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return l.WithFields(String("trace_id", span.SpanContext().TraceID().String()))
	}
	return l
}

func (l *zeroLogger) WithFields(fields ...Field) Logger {
	return &zeroLogger{
		logger: l.logger,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

func (l *zeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(
		Error(err),
		String("error_type", fmt.Sprintf("%T", err)),
	)
}

func (l *zeroLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *zeroLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *zeroLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *zeroLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }
func (l *zeroLogger) Fatal(msg string, fields ...Field) { l.emit(l.logger.Fatal(), msg, fields) }

func (l *zeroLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range l.fields {
		event = addField(event, f)
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case []string:
		return event.Strs(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case float64:
		return event.Float64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case time.Time:
		return event.Time(field.Key, v)
	case time.Duration:
		return event.Dur(field.Key, v)
	case error:
		return event.AnErr(field.Key, v)
	case nil:
		return event
	default:
		return event.Interface(field.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Strings(key string, value []string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }

// Error builds an "error" field. A nil error adds nothing.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error"}
	}
	return Field{Key: "error", Value: err}
}
