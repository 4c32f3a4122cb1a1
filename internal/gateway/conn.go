package gateway

import (
	"context"
	"fmt"
	"time"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/audit/stack"
	"duck-audit/internal/domain"
	"duck-audit/internal/pgwire"
	"duck-audit/internal/sqltag"
)

// conn is the pgwire handler of one client connection.
type conn struct {
	g       *Gateway
	session *audit.Session
	started time.Time
}

var _ pgwire.Handler = (*conn)(nil)

// Query runs each statement of a simple-query string in turn and stops at the
// first failure.
func (c *conn) Query(ctx context.Context, sql string) ([]*pgwire.Result, error) {
	var results []*pgwire.Result
	for _, text := range sqltag.Split(sql) {
		res, err := c.run(ctx, text, text, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Execute runs one extended-protocol statement. The audit line carries the
// statement text with placeholders and the parameters as sent.
func (c *conn) Execute(ctx context.Context, sql string, params []pgwire.Param) (*pgwire.Result, error) {
	rendered, err := pgwire.Substitute(sql, params)
	if err != nil {
		verr := domain.ErrValidation("bind parameters: %v", err)
		c.session.Message(ctx, verr.Error(), pgwire.SQLState(verr))
		return nil, verr
	}
	if sqltag.Describe(sql).Empty() {
		return nil, nil
	}
	return c.run(ctx, sql, rendered, pgwire.Texts(params))
}

// Close audits the disconnection and releases the session.
func (c *conn) Close() {
	ctx := context.Background()
	info := c.session.Conn()
	c.session.Message(ctx, fmt.Sprintf("%s %s user=%s database=%s host=%s port=%d",
		classify.MsgDisconnection, sessionTime(c.g.now().Sub(c.started)),
		info.User, info.Database, info.RemoteHost, info.RemotePort), "")
	c.session.Close()

	c.g.sessions.Add(-1)
	if so, ok := c.g.observer.(SessionObserver); ok {
		so.SessionClosed()
	}
	c.g.logger.Info("session closed", "session", info.SessionID)
}

// run audits and executes one statement. text is what the audit line shows;
// rendered is what the engine runs.
func (c *conn) run(ctx context.Context, text, rendered string, params []string) (*pgwire.Result, error) {
	st := sqltag.Describe(text)
	item := c.session.StatementStart(ctx, st.Audit(params))

	if err := c.audit(ctx, item, st); err != nil {
		c.session.Abort(item.ID())
		return nil, err
	}

	res, err := c.execute(ctx, st, rendered)
	if err != nil {
		msg := err.Error()
		if classify.NeedsRedaction(st.Tag) {
			msg = classify.RedactMessage(msg, rendered)
		}
		c.session.Message(ctx, msg, pgwire.SQLState(err))
		c.session.Abort(item.ID())
		return nil, err
	}
	if err := c.session.StatementEnd(item.ID()); err != nil {
		return nil, err
	}
	return res, nil
}

// audit writes the lines of a started statement before it runs.
func (c *conn) audit(ctx context.Context, item *stack.Item, st sqltag.Statement) error {
	relations := c.grant(st.Relations)

	switch {
	case st.Tag == classify.TagCall:
		c.session.LogEvent(ctx, item)
		if st.Function != "" {
			return c.session.FunctionExecute(ctx, item, st.Function)
		}
		return nil
	case st.Level == classify.LevelDDL && len(relations) > 0:
		// CREATE ... AS: the DDL itself, then the query it runs.
		c.session.LogEvent(ctx, item)
		query := c.session.StatementStart(ctx, audit.Statement{
			Level:   classify.LevelAll,
			Tag:     classify.TagSelect,
			Command: "SELECT",
			Text:    item.Event.CommandText,
			Params:  item.Event.Params,
		})
		if err := c.session.PermissionCheck(ctx, query, relations); err != nil {
			return err
		}
		return c.session.StatementEnd(query.ID())
	case len(relations) > 0:
		return c.session.PermissionCheck(ctx, item, relations)
	default:
		c.session.LogEvent(ctx, item)
		return nil
	}
}

// grant marks the relations the audit role holds a privilege on.
func (c *conn) grant(relations []audit.ObjectAccess) []audit.ObjectAccess {
	if len(relations) == 0 {
		return nil
	}
	p := c.session.Policy()
	out := make([]audit.ObjectAccess, len(relations))
	for i, rel := range relations {
		rel.Granted = p.Grants.Granted(p.Options.Role, rel)
		out[i] = rel
	}
	return out
}

func (c *conn) execute(ctx context.Context, st sqltag.Statement, sql string) (*pgwire.Result, error) {
	if returnsRows(st) {
		rows, err := c.g.exec.Query(ctx, sql)
		if err != nil {
			return nil, err
		}
		tag := st.Command
		if st.Tag == classify.TagSelect {
			tag = fmt.Sprintf("SELECT %d", len(rows.Values))
		}
		return &pgwire.Result{Columns: rows.Columns, Rows: rows.Values, Tag: tag}, nil
	}

	n, err := c.g.exec.Exec(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &pgwire.Result{Tag: commandTag(st, n)}, nil
}

// rowReturningUtilities are DuckDB statements outside the SQL standard that
// produce a result set.
var rowReturningUtilities = map[string]bool{
	"SHOW":      true,
	"DESCRIBE":  true,
	"SUMMARIZE": true,
	"PRAGMA":    true,
	"PIVOT":     true,
	"UNPIVOT":   true,
}

func returnsRows(st sqltag.Statement) bool {
	switch st.Tag {
	case classify.TagSelect, classify.TagExplain, classify.TagCall:
		return true
	case classify.TagUtility:
		return rowReturningUtilities[st.Command]
	default:
		return false
	}
}

func commandTag(st sqltag.Statement, n int64) string {
	switch st.Tag {
	case classify.TagInsert:
		return fmt.Sprintf("INSERT 0 %d", n)
	case classify.TagUpdate, classify.TagDelete, classify.TagMerge, classify.TagCopy:
		return fmt.Sprintf("%s %d", st.Command, n)
	default:
		return st.Command
	}
}

// sessionTime formats a duration as h:mm:ss.mmm.
func sessionTime(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}
