// Package log is afar's structured logger: JSON lines over zap, each
// carrying the session (and worker, in a worker process) it came from.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justapithecus/afar/types"
)

// Logger provides structured logging with session context.
// All log entries include the session identity fields.
type Logger struct {
	zap *zap.Logger
	// fields are the context fields, kept so a new output gets them too.
	fields []zap.Field
}

// NewLogger creates a new logger with session context.
// Output defaults to os.Stderr; stdout belongs to block output.
func NewLogger(meta *types.SessionMeta) *Logger {
	return newLoggerWithWriter(meta, os.Stderr)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

func jsonCore(w io.Writer) zapcore.Core {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
}

// WithOutput returns a new logger with the same context writing to w.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return &Logger{zap: zap.New(jsonCore(w)).With(l.fields...), fields: l.fields}
}

// With returns a logger that adds the given fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	all := append(append([]zap.Field(nil), l.fields...), zf...)
	return &Logger{zap: l.zap.With(zf...), fields: all}
}

func newLoggerWithWriter(meta *types.SessionMeta, w io.Writer) *Logger {
	contextFields := []zap.Field{
		zap.String("session_id", meta.SessionID),
	}
	if meta.WorkerID != nil {
		contextFields = append(contextFields, zap.String("worker_id", *meta.WorkerID))
	}

	return &Logger{zap: zap.New(jsonCore(w)).With(contextFields...), fields: contextFields}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
