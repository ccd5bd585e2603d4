package db

import (
	"context"
	"errors"
	"time"

	"github.com/carelink/portal/internal/logging"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Logger sends gorm's output through the zerolog logger so SQL errors carry
// the request id like every other line.
type Logger struct {
	Level         logger.LogLevel
	SlowThreshold time.Duration
}

func NewLogger(level logger.LogLevel, slow time.Duration) *Logger {
	return &Logger{Level: level, SlowThreshold: slow}
}

func (l *Logger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.Level = level
	return &cp
}

func (l *Logger) log(ctx context.Context) zerolog.Logger {
	return logging.Ctx(ctx).With().Str("component", "gorm").Logger()
}

func (l *Logger) Info(ctx context.Context, msg string, data ...any) {
	if l.Level >= logger.Info {
		lg := l.log(ctx)
		lg.Info().Msgf(msg, data...)
	}
}

func (l *Logger) Warn(ctx context.Context, msg string, data ...any) {
	if l.Level >= logger.Warn {
		lg := l.log(ctx)
		lg.Warn().Msgf(msg, data...)
	}
}

func (l *Logger) Error(ctx context.Context, msg string, data ...any) {
	if l.Level >= logger.Error {
		lg := l.log(ctx)
		lg.Error().Msgf(msg, data...)
	}
}

// Trace logs failed statements, slow statements, and at Info level every
// statement. Record-not-found is a normal outcome and is not logged.
func (l *Logger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	lg := l.log(ctx)

	switch {
	case err != nil && l.Level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		lg.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query failed")
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.Level >= logger.Warn:
		sql, rows := fc()
		lg.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Dur("threshold", l.SlowThreshold).Msg("slow query")
	case l.Level >= logger.Info:
		sql, rows := fc()
		lg.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}
