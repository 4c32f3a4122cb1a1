package audit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-audit/internal/audit/classify"
	"duck-audit/internal/audit/field"
	"duck-audit/internal/audit/record"
	"duck-audit/internal/audit/rule"
	"duck-audit/internal/domain"
)

type memorySink struct {
	records []Record
	err     error
}

func (m *memorySink) Emit(_ context.Context, rec Record) error {
	m.records = append(m.records, rec)
	return m.err
}

func (m *memorySink) lines() []string {
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Line
	}
	return out
}

type countingObserver struct {
	emitted, suppressed, consistency, sinkFailed int
	sections                                     map[int]int
}

func (c *countingObserver) LineEmitted(string, string) { c.emitted++ }
func (c *countingObserver) EventSuppressed(string)     { c.suppressed++ }
func (c *countingObserver) SectionMatched(i int) {
	if c.sections == nil {
		c.sections = map[int]int{}
	}
	c.sections[i]++
}
func (c *countingObserver) ConsistencyError() { c.consistency++ }
func (c *countingObserver) SinkFailed()       { c.sinkFailed++ }

func classSection(classes classify.Class) rule.Config {
	c := rule.NewConfig()
	c.Rules[rule.SlotClass].Value = rule.Bitmap(classes)
	return c
}

func newTestSession(t *testing.T, p *Policy) (*Session, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	s := NewSession(ConnInfo{
		SessionID:       "s-1",
		User:            "alice",
		Database:        "shop",
		ApplicationName: "psql",
		RemoteHost:      "10.0.0.5",
		RemotePort:      51000,
		PID:             4242,
	}, NewPolicyHolder(p), sink, slog.New(slog.DiscardHandler))
	s.now = func() time.Time { return time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC) }
	return s, sink
}

func selectStatement(text string) Statement {
	return Statement{Level: classify.LevelAll, Tag: classify.TagSelect, Command: "SELECT", Text: text}
}

func TestSession_LogsMatchingStatement(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassRead)}})
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, item)
	require.NoError(t, s.StatementEnd(item.ID()))

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, "AUDIT: SESSION,1,1,READ,SELECT,,,SELECT 1,<not logged>", rec.Line)
	assert.Equal(t, record.KindSession, rec.Kind)
	assert.Equal(t, classify.ClassRead, rec.Class)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.Equal(t, "alice", rec.User)
}

func TestSession_SuppressesUnmatched(t *testing.T) {
	obs := &countingObserver{}
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassWrite)}})
	s.SetObserver(obs)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, item)
	require.NoError(t, s.StatementEnd(item.ID()))

	assert.Empty(t, sink.records)
	assert.Equal(t, 1, obs.suppressed)

	st, sub := s.Counters()
	assert.Equal(t, int64(0), st, "suppressed events do not consume statement ids")
	assert.Equal(t, int64(0), sub)
}

func TestSession_LogEventIsIdempotent(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassAll)}})
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, item)
	s.LogEvent(ctx, item)

	assert.Len(t, sink.records, 1)
	assert.True(t, item.Event.Logged)
}

func TestSession_StatementOnce(t *testing.T) {
	p := &Policy{
		Rules:   rule.Set{classSection(classify.ClassAll)},
		Options: Options{LogStatementOnce: true, LogParameter: true},
	}
	s, sink := newTestSession(t, p)
	ctx := context.Background()

	call := s.StatementStart(ctx, Statement{
		Level:   classify.LevelAll,
		Tag:     classify.TagCall,
		Command: "CALL",
		Text:    "CALL refresh($1)",
		Params:  []string{"7"},
	})
	s.LogEvent(ctx, call)
	require.NoError(t, s.FunctionExecute(ctx, call, "main.refresh"))
	require.NoError(t, s.StatementEnd(call.ID()))

	next := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, next)
	require.NoError(t, s.StatementEnd(next.ID()))

	assert.Equal(t, []string{
		"AUDIT: SESSION,1,1,MISC,CALL,,,CALL refresh($1),7",
		"AUDIT: SESSION,1,2,FUNCTION,EXECUTE,FUNCTION,main.refresh,<previously logged>,<previously logged>",
		"AUDIT: SESSION,2,1,READ,SELECT,,,SELECT 1,<none>",
	}, sink.lines())
}

func TestSession_StatementOnceOffRepeatsText(t *testing.T) {
	p := &Policy{Rules: rule.Set{classSection(classify.ClassAll)}}
	s, sink := newTestSession(t, p)
	ctx := context.Background()

	call := s.StatementStart(ctx, Statement{Level: classify.LevelAll, Tag: classify.TagCall, Command: "CALL", Text: "CALL refresh()"})
	s.LogEvent(ctx, call)
	require.NoError(t, s.FunctionExecute(ctx, call, "main.refresh"))

	require.Len(t, sink.records, 2)
	assert.Equal(t, "AUDIT: SESSION,1,2,FUNCTION,EXECUTE,FUNCTION,main.refresh,CALL refresh(),<not logged>", sink.records[1].Line)
}

func TestSession_ObjectGrantOnly(t *testing.T) {
	s, sink := newTestSession(t, DefaultPolicy())
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT * FROM orders JOIN users USING (id)"))
	require.NoError(t, s.PermissionCheck(ctx, item, []ObjectAccess{
		{Schema: "main", Name: "orders", Type: "TABLE", Access: AccessSelect, Granted: true},
		{Schema: "main", Name: "users", Type: "TABLE", Access: AccessSelect},
	}))
	require.NoError(t, s.StatementEnd(item.ID()))

	assert.Equal(t, []string{
		"AUDIT: OBJECT,1,1,READ,SELECT,TABLE,main.orders,SELECT * FROM orders JOIN users USING (id),<not logged>",
	}, sink.lines())
}

func TestSession_GrantAndRulesAreIndependent(t *testing.T) {
	p := &Policy{Rules: rule.Set{classSection(classify.ClassRead)}}
	s, sink := newTestSession(t, p)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT * FROM orders"))
	require.NoError(t, s.PermissionCheck(ctx, item, []ObjectAccess{
		{Schema: "main", Name: "orders", Access: AccessSelect, Granted: true},
	}))

	assert.Equal(t, []string{
		"AUDIT: SESSION,1,1,READ,SELECT,TABLE,main.orders,SELECT * FROM orders,<not logged>",
		"AUDIT: OBJECT,1,1,READ,SELECT,TABLE,main.orders,SELECT * FROM orders,<not logged>",
	}, sink.lines())
}

func TestSession_ObjectIDRuleSeesEveryRelation(t *testing.T) {
	c := rule.NewConfig()
	c.Rules[rule.SlotObjectID].Value = rule.StringSet{"main.users"}
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{c}})
	ctx := context.Background()

	item := s.StatementStart(ctx, Statement{Level: classify.LevelMod, Tag: classify.TagInsert, Command: "INSERT", Text: "INSERT INTO users SELECT * FROM staging"})
	require.NoError(t, s.PermissionCheck(ctx, item, []ObjectAccess{
		{Schema: "main", Name: "staging", Access: AccessSelect},
		{Schema: "main", Name: "users", Access: AccessInsert},
	}))

	assert.Equal(t, []string{
		"AUDIT: SESSION,1,1,WRITE,INSERT,TABLE,main.users,INSERT INTO users SELECT * FROM staging,<not logged>",
	}, sink.lines())
}

func TestSession_NoRelationsLogsOnce(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassRead)}})
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT now()"))
	require.NoError(t, s.PermissionCheck(ctx, item, nil))
	assert.Equal(t, []string{"AUDIT: SESSION,1,1,READ,SELECT,,,SELECT now(),<not logged>"}, sink.lines())
}

func TestSession_SkipsCatalogRelations(t *testing.T) {
	p := &Policy{Options: Options{LogCatalog: false}}
	s, sink := newTestSession(t, p)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT * FROM pg_catalog.pg_class"))
	require.NoError(t, s.PermissionCheck(ctx, item, []ObjectAccess{
		{Schema: "pg_catalog", Name: "pg_class", Access: AccessSelect, Catalog: true, Granted: true},
	}))
	assert.Empty(t, sink.records)
}

func TestSession_RedactsRoleText(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassRole)}})
	ctx := context.Background()

	item := s.StatementStart(ctx, Statement{
		Level:   classify.LevelDDL,
		Tag:     classify.TagAlterRole,
		Command: "ALTER ROLE",
		Text:    "ALTER ROLE bob PASSWORD 'hunter2'",
	})
	assert.Equal(t, "ALTER ROLE bob PASSWORD <REDACTED>", item.Event.CommandText)

	s.LogEvent(ctx, item)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "AUDIT: SESSION,1,1,ROLE,ALTER ROLE,,,ALTER ROLE bob PASSWORD <REDACTED>,<not logged>", sink.records[0].Line)
	assert.NotContains(t, sink.records[0].Line, "hunter2")
}

func TestSession_MultipleSectionsAndFormats(t *testing.T) {
	f, err := record.ParseFormat("%class|%u@%d|%command_text|%statement_id/%sub_statement_id")
	require.NoError(t, err)
	p := &Policy{
		Rules:   rule.Set{classSection(classify.ClassRead), classSection(classify.ClassAll)},
		Formats: []*record.Format{f, nil},
	}
	obs := &countingObserver{}
	s, sink := newTestSession(t, p)
	s.SetObserver(obs)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, item)

	assert.Equal(t, []string{
		"READ|alice@shop|SELECT 1|1/1",
		"AUDIT: SESSION,1,1,READ,SELECT,,,SELECT 1,<not logged>",
	}, sink.lines())
	assert.Equal(t, 2, obs.emitted)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, obs.sections)
}

func TestSession_Message(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassConnect | classify.ClassError)}})
	ctx := context.Background()

	s.Message(ctx, "connection received: host=10.0.0.5 port=51000", "00000")
	s.Message(ctx, "checkpoint complete", "00000")
	s.Message(ctx, "database system is ready to accept connections", "00000")
	s.Message(ctx, `relation "nope" does not exist`, "42P01")

	assert.Equal(t, []string{
		"AUDIT: SESSION,0,0,CONNECT,,,,connection received: host=10.0.0.5 port=51000,<not logged>",
		`AUDIT: SESSION,0,0,ERROR,,,,"relation ""nope"" does not exist",<not logged>`,
	}, sink.lines())
	assert.Equal(t, "42P01", s.Fields().Get(field.CommandResult))
	assert.Equal(t, `relation "nope" does not exist`, s.Fields().Get(field.ConnectionMessage))
}

func TestSession_AbortUnwindsAndResets(t *testing.T) {
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassAll)}})
	ctx := context.Background()

	outer := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, outer)
	inner := s.StatementStart(ctx, selectStatement("SELECT 2"))
	s.LogEvent(ctx, inner)

	_, sub := s.Counters()
	assert.Equal(t, int64(2), sub)

	s.Abort(outer.ID())
	assert.True(t, s.Stack().Empty())
	_, sub = s.Counters()
	assert.Equal(t, int64(0), sub)

	err := s.StatementEnd(inner.ID())
	var ce *domain.ConsistencyError
	require.True(t, errors.As(err, &ce))

	next := s.StatementStart(ctx, selectStatement("SELECT 3"))
	s.LogEvent(ctx, next)
	assert.Equal(t, "AUDIT: SESSION,2,1,READ,SELECT,,,SELECT 3,<not logged>", sink.records[2].Line)
}

func TestSession_PermissionCheckOnFreedItem(t *testing.T) {
	obs := &countingObserver{}
	s, _ := newTestSession(t, DefaultPolicy())
	s.SetObserver(obs)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.Abort(item.ID())

	err := s.PermissionCheck(ctx, item, nil)
	require.Error(t, err)
	assert.Equal(t, 1, obs.consistency)
}

func TestSession_PolicySwapAppliesToNextStatement(t *testing.T) {
	holder := NewPolicyHolder(&Policy{Rules: rule.Set{classSection(classify.ClassRead)}})
	sink := &memorySink{}
	s := NewSession(ConnInfo{SessionID: "s-2", User: "bob", Database: "shop"}, holder, sink, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	first := s.StatementStart(ctx, selectStatement("SELECT 1"))
	holder.Store(DefaultPolicy())
	s.LogEvent(ctx, first)
	require.NoError(t, s.StatementEnd(first.ID()))
	assert.Len(t, sink.records, 1)

	second := s.StatementStart(ctx, selectStatement("SELECT 2"))
	s.LogEvent(ctx, second)
	assert.Len(t, sink.records, 1)
}

func TestSession_SinkFailureIsObserved(t *testing.T) {
	obs := &countingObserver{}
	s, sink := newTestSession(t, &Policy{Rules: rule.Set{classSection(classify.ClassAll)}})
	sink.err = errors.New("disk full")
	s.SetObserver(obs)
	ctx := context.Background()

	item := s.StatementStart(ctx, selectStatement("SELECT 1"))
	s.LogEvent(ctx, item)
	assert.Equal(t, 1, obs.sinkFailed)
	assert.True(t, item.Event.Logged)
}

func TestGrants(t *testing.T) {
	grants := Grants{
		{Role: "auditor", Object: "main.orders", Privileges: AccessSelect | AccessInsert},
		{Role: "auditor", Object: "users", Privileges: AccessUpdate, Columns: []string{"email"}},
	}

	assert.True(t, grants.Granted("auditor", ObjectAccess{Schema: "main", Name: "orders", Access: AccessSelect}))
	assert.False(t, grants.Granted("auditor", ObjectAccess{Schema: "main", Name: "orders", Access: AccessDelete}))
	assert.False(t, grants.Granted("someone", ObjectAccess{Schema: "main", Name: "orders", Access: AccessSelect}))
	assert.False(t, grants.Granted("", ObjectAccess{Schema: "main", Name: "orders", Access: AccessSelect}))
	assert.True(t, grants.Granted("AUDITOR", ObjectAccess{Schema: "main", Name: "users", Access: AccessUpdate, Columns: []string{"Email"}}))
	assert.False(t, grants.Granted("auditor", ObjectAccess{Schema: "main", Name: "users", Access: AccessUpdate, Columns: []string{"name"}}))
}

func TestParseAccess(t *testing.T) {
	a, err := ParseAccess("select")
	require.NoError(t, err)
	assert.Equal(t, AccessSelect, a)

	a, err = ParseAccess("ALL")
	require.NoError(t, err)
	assert.Equal(t, "SELECT,INSERT,UPDATE,DELETE", a.String())

	_, err = ParseAccess("TRUNCATE")
	assert.Error(t, err)
}
