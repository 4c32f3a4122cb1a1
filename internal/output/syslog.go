package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"duck-audit/internal/audit"
	"duck-audit/internal/domain"
)

var (
	facilities = []string{"LOCAL0", "LOCAL1", "LOCAL2", "LOCAL3", "LOCAL4", "LOCAL5", "LOCAL6", "LOCAL7"}
	// Indexed by syslog severity.
	priorities = []string{"EMERG", "ALERT", "CRIT", "ERR", "WARNING", "NOTICE", "INFO", "DEBUG"}
)

func parseFacility(name string) (int, error) {
	for i, f := range facilities {
		if strings.EqualFold(name, f) {
			return i, nil
		}
	}
	return 0, domain.ErrValidation("output.facility: invalid facility %q", name)
}

func parsePriority(name string) (int, error) {
	if strings.EqualFold(name, "ERROR") {
		name = "ERR"
	}
	for i, p := range priorities {
		if strings.EqualFold(name, p) {
			return i, nil
		}
	}
	return 0, domain.ErrValidation("output.priority: invalid priority %q", name)
}

// Syslog sends audit lines to syslog, split into pieces of at most maxLength
// bytes.
type Syslog struct {
	mu        sync.Mutex
	w         io.WriteCloser
	maxLength int
}

func newSyslogSink(w io.WriteCloser, maxLength int) *Syslog {
	return &Syslog{w: w, maxLength: maxLength}
}

// Emit writes the record line.
func (s *Syslog) Emit(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, part := range splitLine(rec.Line, s.maxLength) {
		if _, err := s.w.Write([]byte(part)); err != nil {
			return fmt.Errorf("write syslog: %w", err)
		}
	}
	return nil
}

// Close closes the syslog connection.
func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// splitLine cuts line into pieces of at most max bytes without splitting a
// UTF-8 sequence. max <= 0 returns the line whole.
func splitLine(line string, max int) []string {
	if max <= 0 || len(line) <= max {
		return []string{line}
	}
	var parts []string
	for len(line) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(line)
			cut = size
		}
		parts = append(parts, line[:cut])
		line = line[cut:]
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}
