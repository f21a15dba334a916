package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"costops/pkg/correlation"
	"costops/pkg/errors"
)

var globalLogger *Logger

type ctxKey struct{}

// Logger wraps zap.SugaredLogger. Error-level entries are forwarded to the
// configured tracker.
type Logger struct {
	*zap.SugaredLogger
	tracker errors.Tracker
}

// Init builds the global logger: JSON in production, colored console otherwise.
// Unknown levels fall back to info.
func Init(level string, env string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	z, err := cfg.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	globalLogger = &Logger{SugaredLogger: z.Sugar()}
	return nil
}

// SetErrorTracker attaches tracker to the global logger
func SetErrorTracker(tracker errors.Tracker) {
	if globalLogger != nil {
		globalLogger.tracker = tracker
	}
}

// Get returns the global logger, building a development one if Init was not called
func Get() *Logger {
	if globalLogger == nil {
		z, _ := zap.NewDevelopment()
		globalLogger = &Logger{SugaredLogger: z.Sugar()}
	}
	return globalLogger
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// NewObserved returns a logger whose entries can be inspected in tests
func NewObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

// WithTracker returns a child that forwards errors to tracker
func (l *Logger) WithTracker(tracker errors.Tracker) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger, tracker: tracker}
}

func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), tracker: l.tracker}
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// WithError attaches the error and its taxonomy kind
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err, "kind", string(errors.KindOf(err)))
}

// WithRequest attaches the correlation identifiers and tenant carried by ctx.
// Absent values are omitted rather than logged empty.
func (l *Logger) WithRequest(ctx context.Context) *Logger {
	args := make([]interface{}, 0, 6)
	if ids, ok := correlation.FromContext(ctx); ok {
		if ids.CorrelationID != "" {
			args = append(args, "correlation_id", ids.CorrelationID)
		}
		if ids.TraceID != "" && ids.TraceID != ids.CorrelationID {
			args = append(args, "trace_id", ids.TraceID)
		}
	}
	if tenant := correlation.Tenant(ctx); tenant != "" {
		args = append(args, "tenant_id", tenant)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.SugaredLogger.Error(args...)
	l.capture(context.Background(), errors.Wrapf(errors.ErrInternal, "%s", fmt.Sprint(args...)), nil)
}

func (l *Logger) Errorf(template string, args ...interface{}) {
	l.SugaredLogger.Errorf(template, args...)
	l.capture(context.Background(), fmt.Errorf(template, args...), nil)
}

// Capture logs err at error level with its kind and reports it to the
// tracker. The tracker reads tenant and correlation ids from ctx.
func (l *Logger) Capture(ctx context.Context, msg string, err error) {
	l.SugaredLogger.Errorw(msg, "error", err, "kind", string(errors.KindOf(err)))
	l.capture(ctx, err, errors.TagsFor(err))
}

func (l *Logger) capture(ctx context.Context, err error, tags map[string]string) {
	if l.tracker == nil || err == nil {
		return
	}
	if tags == nil {
		tags = map[string]string{"kind": string(errors.KindOf(err))}
	}
	_ = l.tracker.CaptureError(ctx, err, tags)
}

// IntoContext stores a request-scoped logger
func IntoContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger, falling back to the global one
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Get()
}

// Sync flushes buffered entries of the global logger
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
