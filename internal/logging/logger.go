// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	TraceIDKey     ContextKey = "trace_id"
	PrincipalIDKey ContextKey = "principal_id"
	ServiceKey     ContextKey = "service"
)

// Logger wraps logrus.Logger with gateway-specific context helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry carrying trace/principal fields
// found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if principalID := GetPrincipalID(ctx); principalID != "" {
		entry = entry.WithField("principal_id", principalID)
	}

	return entry
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// LogRequest logs an admitted HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogAudit logs an audit event (role assignment, token revocation, etc.).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// Context helper functions.

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithPrincipalID(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, principalID)
}

func GetPrincipalID(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return v
	}
	return ""
}

// Global default logger, set by InitDefault. cmd/gateway does not call
// InitDefault; Default builds an info-level JSON logger on first use when
// it has not been set.

var defaultLogger *Logger

func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("gateway", "info", "json")
	}
	return defaultLogger
}
