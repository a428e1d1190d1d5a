// Package log provides structured logging utilities for gominer.
// It wraps the standard library's slog package with mining-client helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

type ctxKey string

// RigKey tags a context with the rig name, picked up by WithContext.
const RigKey ctxKey = "rig"

// New creates a new logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config string onto an slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithContext returns a logger carrying values stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if rig := ctx.Value(RigKey); rig != nil {
		return l.WithFields("rig", rig)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger tagged with the pool endpoint and worker.
func (l *Logger) WithPool(address, worker string) *Logger {
	return l.WithFields("pool", address, "worker", worker)
}

// WithDevice returns a logger with the device id
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.WithFields("device_id", deviceID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, cleanJobs bool) *Logger {
	return l.WithFields("job_id", jobID, "clean_jobs", cleanJobs)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID string, nonce uint32) *Logger {
	return l.WithFields("share_id", shareID, "nonce", nonce)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count uint64, d time.Duration) {
	if d <= 0 {
		return
	}
	l.Debug("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ms", float64(d)/1e6,
		"throughput_ops_sec", float64(count)/d.Seconds(),
	)
}

// LogConnectionState logs a pool connection state transition.
func (l *Logger) LogConnectionState(from, to string) {
	l.Info("connection state",
		"from", from,
		"to", to,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs a share reaching a terminal state.
func (l *Logger) LogShareSubmission(shareID, jobID string, deviceID int, status, reason string) {
	level := slog.LevelInfo
	if status != "accepted" {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "share result",
		"share_id", shareID,
		"job_id", jobID,
		"device_id", deviceID,
		"status", status,
		"reason", reason,
	)
}

// LogJobDistribution logs a job being handed to devices.
func (l *Logger) LogJobDistribution(jobID string, cleanJobs bool, deviceCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"device_count", deviceCount,
	)
}

// LogBlockCandidate logs a share that also meets the network target.
func (l *Logger) LogBlockCandidate(jobID, hash string, deviceID int) {
	l.Info("block candidate found",
		"job_id", jobID,
		"hash", hash,
		"device_id", deviceID,
	)
}
