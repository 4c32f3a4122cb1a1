// Package audit decides, for every operation of a session, whether and how to emit
// audit lines.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"duck-audit/internal/audit/classify"
	"duck-audit/internal/audit/field"
	"duck-audit/internal/audit/record"
	"duck-audit/internal/audit/rule"
	"duck-audit/internal/audit/stack"
)

// Function call events.
const (
	commandExecute     = "EXECUTE"
	commandUnknown     = "UNKNOWN"
	objectTypeFunction = "FUNCTION"
)

const timestampLayout = "2006-01-02 15:04:05 MST"

// ConnInfo describes the client connection a session serves.
type ConnInfo struct {
	SessionID       string
	User            string
	Database        string
	ApplicationName string
	RemoteHost      string
	RemotePort      int
	PID             int
}

// Statement is what the front end knows about a statement when it starts.
type Statement struct {
	Level      classify.Level
	Tag        classify.Tag
	Command    string
	Text       string
	Params     []string
	ObjectType string
	ObjectName string
}

// Session holds the audit state of one connection: the event stack, the field
// registry and the statement counters. A session is used by one goroutine at a time.
type Session struct {
	conn     ConnInfo
	stack    *stack.Stack
	fields   *field.Registry
	policies *PolicyHolder
	policy   *Policy
	sink     Sink
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	statementTotal    int64
	substatementTotal int64
	statementLogged   bool
	localXID          int64
}

// NewSession creates the audit state for a connection.
func NewSession(conn ConnInfo, policies *PolicyHolder, sink Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if policies == nil {
		policies = NewPolicyHolder(nil)
	}
	s := &Session{
		conn:     conn,
		fields:   field.NewRegistry(),
		policies: policies,
		sink:     sink,
		observer: nopObserver{},
		logger:   logger.With("session", conn.SessionID),
		now:      time.Now,
	}
	s.stack = stack.New(s.resetCounters)

	s.fields.Set(field.ApplicationName, conn.ApplicationName)
	s.fields.Set(field.Database, conn.Database)
	s.fields.Set(field.User, conn.User)
	s.fields.Set(field.CurrentUser, conn.User)
	s.fields.Set(field.RemoteHost, conn.RemoteHost)
	if conn.RemotePort > 0 {
		s.fields.Set(field.RemotePort, strconv.Itoa(conn.RemotePort))
	}
	s.fields.Set(field.PID, strconv.Itoa(conn.PID))
	return s
}

// SetObserver installs an observer for audit decisions.
func (s *Session) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Conn returns the connection the session serves.
func (s *Session) Conn() ConnInfo { return s.conn }

// Fields exposes the session field registry.
func (s *Session) Fields() *field.Registry { return s.fields }

// Stack exposes the session event stack.
func (s *Session) Stack() *stack.Stack { return s.stack }

// Counters returns the current statement and sub-statement totals.
func (s *Session) Counters() (statement, substatement int64) {
	return s.statementTotal, s.substatementTotal
}

func (s *Session) resetCounters() {
	s.substatementTotal = 0
	s.statementLogged = false
}

// currentPolicy is fixed for the lifetime of a top-level statement.
func (s *Session) currentPolicy() *Policy {
	if s.policy == nil || s.stack.Empty() {
		s.policy = s.policies.Load()
	}
	return s.policy
}

// Policy returns the policy in force for the current top-level statement.
func (s *Session) Policy() *Policy { return s.currentPolicy() }

// StatementStart pushes a context for a statement. Credential-bearing role text is
// redacted before it is stored.
func (s *Session) StatementStart(_ context.Context, st Statement) *stack.Item {
	if s.stack.Empty() {
		s.policy = s.policies.Load()
		s.localXID++
		s.fields.Reset(false)
		s.fields.Set(field.VirtualXID, fmt.Sprintf("%d/%d", s.conn.PID, s.localXID))
	}

	text := st.Text
	if classify.NeedsRedaction(st.Tag) {
		text, _ = classify.Redact(text)
	}

	item := s.stack.Push()
	item.Event = stack.Event{
		Level:       st.Level,
		Tag:         st.Tag,
		Command:     st.Command,
		CommandText: text,
		Params:      st.Params,
		ObjectType:  st.ObjectType,
		ObjectName:  st.ObjectName,
	}
	return item
}

// StatementEnd pops the statement context. A mismatched id is a consistency error.
func (s *Session) StatementEnd(id int64) error {
	if err := s.stack.Pop(id); err != nil {
		s.observer.ConsistencyError()
		s.logger.Error("audit stack mismatch", "error", err)
		return err
	}
	return nil
}

// Abort releases the context with the given id and everything pushed after it.
func (s *Session) Abort(id int64) {
	s.stack.Unwind(id)
}

// Close releases every context still on the stack.
func (s *Session) Close() {
	for top := s.stack.Top(); top != nil; top = s.stack.Top() {
		s.stack.ForceFree(top)
	}
}

// PermissionCheck logs the relations a statement touches. The first relation is
// session logged; every granted relation is object logged. Without relations the
// statement is logged once as is.
func (s *Session) PermissionCheck(ctx context.Context, item *stack.Item, objects []ObjectAccess) error {
	if err := s.stack.Valid(item.ID()); err != nil {
		s.observer.ConsistencyError()
		return err
	}
	p := s.currentPolicy()
	ev := &item.Event

	first := true
	for _, obj := range objects {
		if obj.Catalog && !p.Options.LogCatalog {
			continue
		}
		ev.Granted = false

		switch {
		case obj.Access&AccessInsert != 0:
			ev.Level, ev.Tag, ev.Command = classify.LevelMod, classify.TagInsert, "INSERT"
		case obj.Access&AccessUpdate != 0:
			ev.Level, ev.Tag, ev.Command = classify.LevelMod, classify.TagUpdate, "UPDATE"
		case obj.Access&AccessDelete != 0:
			ev.Level, ev.Tag, ev.Command = classify.LevelMod, classify.TagDelete, "DELETE"
		case obj.Access&AccessSelect != 0:
			ev.Level, ev.Tag, ev.Command = classify.LevelAll, classify.TagSelect, "SELECT"
		default:
			ev.Level, ev.Tag, ev.Command = classify.LevelAll, classify.TagInvalid, commandUnknown
		}
		ev.ObjectType = obj.Type
		if ev.ObjectType == "" {
			ev.ObjectType = classify.ObjectTable.String()
		}
		ev.ObjectName = obj.QualifiedName()

		if !first {
			ev.Logged = false
		}
		first = false
		s.LogEvent(ctx, item)

		if obj.Granted {
			ev.Granted = true
			ev.Logged = false
			s.LogEvent(ctx, item)
		}
	}

	if first {
		s.LogEvent(ctx, item)
	}
	return nil
}

// FunctionExecute logs a called function as a nested context of parent. The call
// shares the parent's text, so it counts as already written once the parent's was.
func (s *Session) FunctionExecute(ctx context.Context, parent *stack.Item, name string) error {
	if err := s.stack.Valid(parent.ID()); err != nil {
		s.observer.ConsistencyError()
		return err
	}
	item := s.stack.Push()
	item.Event = stack.Event{
		Level:       classify.LevelAll,
		Tag:         classify.TagDo,
		Command:     commandExecute,
		ObjectType:  objectTypeFunction,
		ObjectName:  name,
		CommandText: parent.Event.CommandText,
		Params:      parent.Event.Params,

		StatementLogged: parent.Event.StatementLogged,
	}
	s.LogEvent(ctx, item)
	return s.StatementEnd(item.ID())
}

// LogEvent classifies the event, evaluates the rule set and emits its lines: one
// OBJECT line when the event was granted, one SESSION line per matching rule
// section. An event that is already logged is left alone.
func (s *Session) LogEvent(ctx context.Context, item *stack.Item) {
	ev := &item.Event
	if ev.Logged {
		return
	}
	p := s.currentPolicy()

	desc := classify.Descriptor{Level: ev.Level, Tag: ev.Tag, Command: ev.Command, Text: ev.CommandText}
	class, className := classify.ClassifyStatement(&desc)
	ev.CommandText = desc.Text

	now := s.now()
	in := s.input(now, class)
	in.CommandTag = ev.Command
	in.ObjectType = uint32(classify.ObjectTypeBit(ev.ObjectType))
	in.ObjectID = ev.ObjectName

	matched, perRule := p.Rules.Apply(in, classify.TableRelevant(class))
	if len(ev.Sections) < len(perRule) {
		ev.Sections = append(ev.Sections, make([]bool, len(perRule)-len(ev.Sections))...)
	}
	pending := false
	for i, ok := range perRule {
		if ok && !ev.Sections[i] {
			pending = true
		}
	}

	if !ev.Granted && !pending {
		if !matched {
			s.observer.EventSuppressed(className)
		}
		return
	}

	s.setStatementIDs(ev)

	buf := item.Arena().Buffer()
	record.Detail(buf, ev, p.Options.record())
	detail := buf.String()

	s.fields.Set(field.Timestamp, now.Format(timestampLayout))
	s.fields.Set(field.Class, className)
	s.fields.Set(field.CommandTag, ev.Command)
	s.fields.Set(field.ObjectType, ev.ObjectType)
	s.fields.Set(field.ObjectID, ev.ObjectName)
	s.fields.Set(field.CommandText, ev.CommandText)
	s.fields.Set(field.StatementID, strconv.FormatInt(ev.StatementID, 10))
	s.fields.Set(field.SubStatementID, strconv.FormatInt(ev.SubstatementID, 10))
	s.fields.Set(field.CommandResult, field.DefaultCommandResult)
	params, _ := record.Parameters(ev.Params)
	if !p.Options.LogParameter {
		params = ""
	}
	s.fields.Set(field.CommandParameter, params)

	line := item.Arena().Buffer()
	if ev.Granted {
		record.Line(line, record.KindObject, ev.StatementID, ev.SubstatementID, className, detail)
		s.emit(ctx, record.KindObject, class, className, ev.StatementID, ev.SubstatementID, line.String(), now)
	}

	for i, ok := range perRule {
		if !ok || ev.Sections[i] {
			continue
		}
		ev.Sections[i] = true
		s.observer.SectionMatched(i)

		text := ""
		if f := p.format(i); f != nil {
			text = f.Render(s.fields)
		} else {
			line.Reset()
			record.Line(line, record.KindSession, ev.StatementID, ev.SubstatementID, className, detail)
			text = line.String()
		}
		s.emit(ctx, record.KindSession, class, className, ev.StatementID, ev.SubstatementID, text, now)
	}

	ev.Logged = true
}

// Message audits a server message that did not come from a statement, such as a
// connection event or an error. Object slots of the rules do not apply.
func (s *Session) Message(ctx context.Context, message, sqlstate string) {
	class, className, ok := classify.ClassifyMessage(message, sqlstate)
	if !ok {
		return
	}
	p := s.currentPolicy()
	now := s.now()

	s.fields.Set(field.Timestamp, now.Format(timestampLayout))
	s.fields.Set(field.Class, className)
	s.fields.Set(field.ConnectionMessage, message)
	if sqlstate == "" {
		sqlstate = field.DefaultCommandResult
	}
	s.fields.Set(field.CommandResult, sqlstate)
	if top := s.stack.Top(); top != nil && class == classify.ClassError {
		s.fields.Set(field.CommandText, top.Event.CommandText)
	}

	matched, perRule := p.Rules.Apply(s.input(now, class), false)
	if !matched {
		s.observer.EventSuppressed(className)
		return
	}

	var detail bytes.Buffer
	detail.WriteString(",,,")
	record.AppendValidCSV(&detail, message)
	detail.WriteByte(',')
	detail.WriteString(record.NotLogged)

	var line bytes.Buffer
	for i, ok := range perRule {
		if !ok {
			continue
		}
		s.observer.SectionMatched(i)
		text := ""
		if f := p.format(i); f != nil {
			text = f.Render(s.fields)
		} else {
			line.Reset()
			record.Line(&line, record.KindSession, s.statementTotal, s.substatementTotal, className, detail.String())
			text = line.String()
		}
		s.emit(ctx, record.KindSession, class, className, s.statementTotal, s.substatementTotal, text, now)
	}
}

func (s *Session) input(now time.Time, class classify.Class) rule.Input {
	return rule.Input{
		SecondOfDay:     secondOfDay(now),
		Database:        s.conn.Database,
		Class:           uint32(class),
		ApplicationName: s.conn.ApplicationName,
		RemoteHost:      s.conn.RemoteHost,
		RemotePort:      int64(s.conn.RemotePort),
	}
}

func (s *Session) setStatementIDs(ev *stack.Event) {
	if ev.StatementID != 0 {
		return
	}
	if !s.statementLogged {
		s.statementTotal++
		s.statementLogged = true
	}
	ev.StatementID = s.statementTotal
	s.substatementTotal++
	ev.SubstatementID = s.substatementTotal
}

func (s *Session) emit(ctx context.Context, kind string, class classify.Class, className string, stmtID, subID int64, line string, at time.Time) {
	rec := Record{
		SessionID:      s.conn.SessionID,
		Kind:           kind,
		Class:          class,
		ClassName:      className,
		StatementID:    stmtID,
		SubstatementID: subID,
		User:           s.conn.User,
		Database:       s.conn.Database,
		RemoteHost:     s.conn.RemoteHost,
		Line:           line,
		Time:           at,
	}
	s.observer.LineEmitted(kind, className)
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, rec); err != nil {
		s.observer.SinkFailed()
		s.logger.Warn("audit sink failed", "kind", kind, "class", className, "error", err)
	}
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
