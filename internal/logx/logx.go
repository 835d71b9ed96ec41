// Package logx builds the zap loggers used across offline0.
package logx

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger at level. An empty level means info.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = l
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// RateLimited drops messages logged within interval of the previous one.
type RateLimited struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	now      func() time.Time
	dropped  int
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: OrNop(log), interval: interval, now: time.Now}
}

func (l *RateLimited) allow() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return false, 0
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	return true, dropped
}

// Warn logs at warn level and reports whether the line was written.
func (l *RateLimited) Warn(msg string, fields ...zap.Field) bool {
	ok, dropped := l.allow()
	if !ok {
		return false
	}
	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.log.Warn(msg, fields...)
	return true
}

func (l *RateLimited) Info(msg string, fields ...zap.Field) bool {
	ok, dropped := l.allow()
	if !ok {
		return false
	}
	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.log.Info(msg, fields...)
	return true
}
