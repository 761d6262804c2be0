package observability

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

var (
	logMu     sync.RWMutex
	logOutput io.Writer = os.Stdout
	logLevel            = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// SetLogOutput sets the output destination for loggers created afterwards.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOutput = w
}

// SetLogLevel changes the minimum level of every logger. Unknown values mean info.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		logLevel.SetLevel(zapcore.WarnLevel)
	case "error":
		logLevel.SetLevel(zapcore.ErrorLevel)
	default:
		logLevel.SetLevel(zapcore.InfoLevel)
	}
}

// StructuredLogger provides structured logging with trace correlation
type StructuredLogger struct {
	zl        *zap.Logger
	output    io.Writer
	component string
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(component string) *StructuredLogger {
	logMu.RLock()
	out := logOutput
	logMu.RUnlock()
	return newStructuredLogger(out, component)
}

func newStructuredLogger(out io.Writer, component string) *StructuredLogger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		MessageKey:     "message",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(out), logLevel)

	return &StructuredLogger{
		zl:        zap.New(core).With(zap.String("component", component)),
		output:    out,
		component: component,
	}
}

// extractTraceInfo extracts trace and span IDs from context
func extractTraceInfo(ctx context.Context) (traceID, spanID string) {
	if ctx == nil {
		return "", ""
	}
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		traceID = spanCtx.TraceID().String()
		spanID = spanCtx.SpanID().String()
	}
	return traceID, spanID
}

func (l *StructuredLogger) fields(ctx context.Context, attrs map[string]interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs)+2)
	if traceID, spanID := extractTraceInfo(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID), zap.String("span_id", spanID))
	}
	if len(attrs) == 0 {
		return fields
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrFields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		attrFields = append(attrFields, zap.Any(k, attrs[k]))
	}
	return append(fields, zap.Dict("attributes", attrFields...))
}

func first(attrs []map[string]interface{}) map[string]interface{} {
	if len(attrs) > 0 {
		return attrs[0]
	}
	return nil
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(ctx context.Context, message string, attrs ...map[string]interface{}) {
	if ce := l.zl.Check(zapcore.DebugLevel, message); ce != nil {
		ce.Write(l.fields(ctx, first(attrs))...)
	}
}

// Info logs an info message
func (l *StructuredLogger) Info(ctx context.Context, message string, attrs ...map[string]interface{}) {
	if ce := l.zl.Check(zapcore.InfoLevel, message); ce != nil {
		ce.Write(l.fields(ctx, first(attrs))...)
	}
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(ctx context.Context, message string, attrs ...map[string]interface{}) {
	if ce := l.zl.Check(zapcore.WarnLevel, message); ce != nil {
		ce.Write(l.fields(ctx, first(attrs))...)
	}
}

// Error logs an error message
func (l *StructuredLogger) Error(ctx context.Context, message string, err error, attrs ...map[string]interface{}) {
	ce := l.zl.Check(zapcore.ErrorLevel, message)
	if ce == nil {
		return
	}
	attributes := make(map[string]interface{})
	for k, v := range first(attrs) {
		attributes[k] = v
	}
	if err != nil {
		attributes["error"] = err.Error()
	}
	ce.Write(l.fields(ctx, attributes)...)
}

// Sync flushes buffered entries
func (l *StructuredLogger) Sync() error {
	return l.zl.Sync()
}

// WithComponent creates a new logger with a different component name
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return newStructuredLogger(l.output, component)
}

// Logger interface for dependency injection
type Logger interface {
	Debug(ctx context.Context, message string, attrs ...map[string]interface{})
	Info(ctx context.Context, message string, attrs ...map[string]interface{})
	Warn(ctx context.Context, message string, attrs ...map[string]interface{})
	Error(ctx context.Context, message string, err error, attrs ...map[string]interface{})
}
