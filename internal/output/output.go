// Package output delivers finished audit lines to the configured destinations.
package output

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"duck-audit/internal/audit"
	"duck-audit/internal/domain"
)

// Destinations selectable with the output logger setting.
const (
	LoggerServerlog = "serverlog"
	LoggerSyslog    = "syslog"
	LoggerFile      = "file"
)

// Settings is the output section of the audit policy.
type Settings struct {
	Logger    string
	Level     string // serverlog level
	PathLog   string // syslog socket; empty uses the local default
	Facility  string // LOCAL0..LOCAL7
	Priority  string // syslog priority of every line
	Ident     string
	MaxLength int    // split syslog lines longer than this; 0 disables
	File      FileSettings
}

// DefaultSettings writes audit lines to the server log at LOG level.
func DefaultSettings() Settings {
	return Settings{
		Logger:   LoggerServerlog,
		Level:    "LOG",
		Facility: "LOCAL0",
		Priority: "WARNING",
		Ident:    "duck-audit",
	}
}

// Validate checks the settings of the selected destination.
func (s Settings) Validate() error {
	switch strings.ToLower(s.Logger) {
	case LoggerServerlog:
		_, err := ParseLevel(s.Level)
		return err
	case LoggerSyslog:
		if _, err := parseFacility(s.Facility); err != nil {
			return err
		}
		if _, err := parsePriority(s.Priority); err != nil {
			return err
		}
		if s.MaxLength < 0 {
			return domain.ErrValidation("output.maxlength must not be negative")
		}
		return nil
	case LoggerFile:
		if s.File.Path == "" {
			return domain.ErrValidation("output.file.path is required for the file logger")
		}
		return nil
	default:
		return domain.ErrValidation("output.logger: unknown destination %q", s.Logger)
	}
}

// New builds the destination selected by s.
func New(s Settings, logger *slog.Logger) (*Fanout, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var sink audit.Sink
	switch strings.ToLower(s.Logger) {
	case LoggerServerlog:
		level, _ := ParseLevel(s.Level)
		sink = NewServerlog(logger, level)
	case LoggerSyslog:
		w, err := NewSyslog(s)
		if err != nil {
			return nil, err
		}
		sink = w
	case LoggerFile:
		sink = NewFile(s.File)
	}
	return NewFanout(sink), nil
}

// Fanout emits every record to each of its sinks. Sinks are added before the
// fanout is shared.
type Fanout struct {
	sinks []audit.Sink
}

var _ audit.Sink = (*Fanout)(nil)

// NewFanout returns a fanout over sinks.
func NewFanout(sinks ...audit.Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add appends a sink.
func (f *Fanout) Add(s audit.Sink) {
	if s != nil {
		f.sinks = append(f.sinks, s)
	}
}

// Emit writes rec to every sink, even when one fails.
func (f *Fanout) Emit(ctx context.Context, rec audit.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
