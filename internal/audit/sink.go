package audit

import (
	"context"
	"time"

	"duck-audit/internal/audit/classify"
)

// Record is one finished audit line with the context it was produced in.
type Record struct {
	SessionID      string
	Kind           string // OBJECT or SESSION
	Class          classify.Class
	ClassName      string
	StatementID    int64
	SubstatementID int64
	User           string
	Database       string
	RemoteHost     string
	Line           string
	Time           time.Time
}

// Sink writes finished audit lines.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Observer receives audit decisions, typically to update metrics.
type Observer interface {
	LineEmitted(kind, className string)
	EventSuppressed(className string)
	SectionMatched(index int)
	ConsistencyError()
	SinkFailed()
}

type nopObserver struct{}

func (nopObserver) LineEmitted(string, string) {}
func (nopObserver) EventSuppressed(string)     {}
func (nopObserver) SectionMatched(int)         {}
func (nopObserver) ConsistencyError()          {}
func (nopObserver) SinkFailed()                {}
