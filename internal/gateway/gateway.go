// Package gateway connects the PG-wire front end to DuckDB and audits every
// connection, statement and error on the way through.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/engine"
	"duck-audit/internal/pgwire"
)

// Executor runs SQL on the database behind the gateway.
type Executor interface {
	Query(ctx context.Context, query string) (*engine.Rows, error)
	Exec(ctx context.Context, query string) (int64, error)
}

// SessionObserver is optionally implemented by an audit.Observer that tracks open
// sessions.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithObserver reports audit decisions of every session to o.
func WithObserver(o audit.Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// Gateway creates an audited handler for every accepted connection.
type Gateway struct {
	exec     Executor
	policies *audit.PolicyHolder
	sink     audit.Sink
	observer audit.Observer
	logger   *slog.Logger
	now      func() time.Time

	system   *audit.Session
	sessions atomic.Int64
}

// New returns a gateway that runs statements on exec and writes audit lines to sink.
func New(exec Executor, policies *audit.PolicyHolder, sink audit.Sink, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		exec:     exec,
		policies: policies,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.system = g.newSession(audit.ConnInfo{SessionID: "system", PID: os.Getpid()})
	return g
}

func (g *Gateway) newSession(info audit.ConnInfo) *audit.Session {
	s := audit.NewSession(info, g.policies, g.sink, g.logger)
	if g.observer != nil {
		s.SetObserver(g.observer)
	}
	return s
}

// Started audits that the server accepts connections.
func (g *Gateway) Started(ctx context.Context) {
	g.system.Message(ctx, classify.MsgReady, "")
}

// Stopped audits the shutdown of the server.
func (g *Gateway) Stopped(ctx context.Context) {
	g.system.Message(ctx, fmt.Sprintf("%s %s", classify.MsgShutdown, g.now().Format("2006-01-02 15:04:05 MST")), "")
}

// ActiveSessions returns the number of open client sessions.
func (g *Gateway) ActiveSessions() int64 { return g.sessions.Load() }

// Connect opens the audit session of a new client connection. It satisfies
// pgwire.HandlerFactory.
func (g *Gateway) Connect(ctx context.Context, info pgwire.ConnInfo) (pgwire.Handler, error) {
	session := g.newSession(audit.ConnInfo{
		SessionID:       uuid.NewString(),
		User:            info.User,
		Database:        info.Database,
		ApplicationName: info.ApplicationName,
		RemoteHost:      info.RemoteHost,
		RemotePort:      info.RemotePort,
		PID:             int(info.ProcessID),
	})

	session.Message(ctx, fmt.Sprintf("%s%s port=%d", classify.MsgConnectionReceived, info.RemoteHost, info.RemotePort), "")
	session.Message(ctx, fmt.Sprintf("%s%s database=%s application_name=%s",
		classify.MsgConnectionAuthorized, info.User, info.Database, info.ApplicationName), "")

	g.sessions.Add(1)
	if so, ok := g.observer.(SessionObserver); ok {
		so.SessionOpened()
	}
	g.logger.Info("session opened",
		"session", session.Conn().SessionID, "user", info.User, "database", info.Database, "remote", info.RemoteHost)

	return &conn{g: g, session: session, started: g.now()}, nil
}
