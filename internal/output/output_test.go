package output

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-audit/internal/audit"
)

func line(text string) audit.Record {
	return audit.Record{SessionID: "s-1", ClassName: "READ", User: "alice", Database: "shop", Line: text}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG5", slog.LevelDebug},
		{"debug1", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"NOTICE", slog.LevelInfo},
		{"LOG", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseLevel("PANIC")
	require.Error(t, err)
}

func TestServerlog_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	require.NoError(t, NewServerlog(logger, slog.LevelInfo).Emit(context.Background(), line("dropped")))
	assert.Empty(t, buf.String())

	require.NoError(t, NewServerlog(logger, slog.LevelWarn).Emit(context.Background(), line("AUDIT: SESSION,1,1,READ")))
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="AUDIT: SESSION,1,1,READ"`)
	assert.Contains(t, out, "session=s-1")
	assert.Contains(t, out, "class=READ")
}

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		max  int
		want []string
	}{
		{"disabled", "abcdef", 0, []string{"abcdef"}},
		{"short", "abc", 10, []string{"abc"}},
		{"exact_chunks", "abcdef", 2, []string{"ab", "cd", "ef"}},
		{"remainder", "abcde", 2, []string{"ab", "cd", "e"}},
		{"keeps_runes_whole", "aé b", 2, []string{"a", "é", " b"}},
		{"rune_wider_than_max", "éé", 1, []string{"é", "é"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, splitLine(tc.line, tc.max))
		})
	}
}

type recordingWriter struct {
	writes []string
	closed bool
	err    error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestSyslog_EmitSplitsLongLines(t *testing.T) {
	w := &recordingWriter{}
	s := newSyslogSink(w, 8)

	require.NoError(t, s.Emit(context.Background(), line("AUDIT: SESSION,1")))
	assert.Equal(t, []string{"AUDIT: S", "ESSION,1"}, w.writes)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)

	w.err = errors.New("socket closed")
	require.ErrorContains(t, s.Emit(context.Background(), line("x")), "write syslog")
}

func TestSettings_Validate(t *testing.T) {
	valid := DefaultSettings()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
		errMsg string
	}{
		{"unknown_logger", func(s *Settings) { s.Logger = "kafka" }, "output.logger"},
		{"bad_level", func(s *Settings) { s.Level = "LOUD" }, "output.level"},
		{"bad_facility", func(s *Settings) { s.Logger, s.Facility = LoggerSyslog, "LOCAL9" }, "output.facility"},
		{"bad_priority", func(s *Settings) { s.Logger, s.Priority = LoggerSyslog, "SHOUT" }, "output.priority"},
		{"negative_maxlength", func(s *Settings) { s.Logger, s.MaxLength = LoggerSyslog, -1 }, "output.maxlength"},
		{"file_without_path", func(s *Settings) { s.Logger = LoggerFile }, "output.file.path"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(&s)
			require.ErrorContains(t, s.Validate(), tc.errMsg)
		})
	}

	s := DefaultSettings()
	s.Logger, s.Priority = LoggerSyslog, "error"
	require.NoError(t, s.Validate())
}

func TestFile_WritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	fan, err := New(Settings{Logger: LoggerFile, File: FileSettings{Path: path, MaxSizeMB: 1}}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fan.Emit(ctx, line("first")))
	require.NoError(t, fan.Emit(ctx, line("second")))
	require.NoError(t, fan.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))

	f := NewFile(FileSettings{Path: path})
	require.NoError(t, f.Emit(ctx, line("third")))
	require.NoError(t, f.Rotate())
	require.NoError(t, f.Emit(ctx, line("fourth")))
	require.NoError(t, f.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fourth\n", string(data))
}

type failingSink struct{ calls int }

func (f *failingSink) Emit(context.Context, audit.Record) error {
	f.calls++
	return errors.New("disk full")
}

func TestFanout_EmitsToEverySink(t *testing.T) {
	var got []string
	ok := audit.SinkFunc(func(_ context.Context, rec audit.Record) error {
		got = append(got, rec.Line)
		return nil
	})
	bad := &failingSink{}
	fan := NewFanout(bad, nil, ok)

	err := fan.Emit(context.Background(), line("AUDIT: x"))
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, []string{"AUDIT: x"}, got)
	require.NoError(t, fan.Close())
}

func TestNew_Serverlog(t *testing.T) {
	var buf bytes.Buffer
	fan, err := New(DefaultSettings(), slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	require.NoError(t, fan.Emit(context.Background(), line("AUDIT: SESSION")))
	assert.True(t, strings.Contains(buf.String(), "AUDIT: SESSION"))
}
