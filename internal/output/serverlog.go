package output

import (
	"context"
	"log/slog"
	"strings"

	"duck-audit/internal/audit"
	"duck-audit/internal/domain"
)

// ParseLevel maps a server log level name to a slog level. The DEBUG1..DEBUG5
// levels collapse to Debug and INFO, NOTICE and LOG to Info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG1", "DEBUG2", "DEBUG3", "DEBUG4", "DEBUG5", "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "NOTICE", "LOG", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	default:
		return 0, domain.ErrValidation("output.level: invalid level %q", name)
	}
}

// Serverlog writes audit lines to the process log.
type Serverlog struct {
	logger *slog.Logger
	level  slog.Level
}

// NewServerlog returns a sink that logs each line at level.
func NewServerlog(logger *slog.Logger, level slog.Level) *Serverlog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serverlog{logger: logger, level: level}
}

// Emit logs the record line with its session.
func (s *Serverlog) Emit(ctx context.Context, rec audit.Record) error {
	s.logger.Log(ctx, s.level, rec.Line,
		"session", rec.SessionID,
		"class", rec.ClassName,
		"user", rec.User,
		"database", rec.Database,
	)
	return nil
}
