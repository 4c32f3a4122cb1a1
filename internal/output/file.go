package output

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"duck-audit/internal/audit"
)

// FileSettings configures the rotating audit file.
type FileSettings struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// File appends audit lines to a size-rotated file.
type File struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFile opens the rotating file lazily on the first line.
func NewFile(s FileSettings) *File {
	return &File{out: &lumberjack.Logger{
		Filename:   s.Path,
		MaxSize:    s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAgeDays,
		Compress:   s.Compress,
	}}
}

// Emit writes the line and a newline.
func (f *File) Emit(_ context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write([]byte(rec.Line + "\n")); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

// Rotate starts a new file.
func (f *File) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Rotate()
}

// Close closes the current file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}
