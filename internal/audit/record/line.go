package record

import (
	"bytes"
	"strconv"
	"strings"

	"duck-audit/internal/audit/stack"
)

// Line kinds.
const (
	KindObject  = "OBJECT"
	KindSession = "SESSION"
)

// Placeholders written in place of statement text and parameters.
const (
	PreviouslyLogged = "<previously logged>"
	NotLogged        = "<not logged>"
	NoParameters     = "<none>"
)

const linePrefix = "AUDIT: "

// Options are the statement detail toggles.
type Options struct {
	LogParameter     bool
	LogStatementOnce bool
}

// Parameters renders the bound parameters of an event: each value CSV-escaped and
// joined by blanks. The bool is false when there is nothing to print.
func Parameters(params []string) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = ValidCSV(p)
	}
	return strings.Join(parts, " "), true
}

// Detail writes "command,object_type,object_name,text,parameters" for the event.
// When log_statement_once is on and the text was already written for this
// statement, both trailing columns become placeholders. Writing the text marks
// the event as statement-logged.
func Detail(buf *bytes.Buffer, ev *stack.Event, opts Options) {
	AppendValidCSV(buf, ev.Command)
	buf.WriteByte(',')
	AppendValidCSV(buf, ev.ObjectType)
	buf.WriteByte(',')
	AppendValidCSV(buf, ev.ObjectName)
	buf.WriteByte(',')

	if ev.StatementLogged && opts.LogStatementOnce {
		buf.WriteString(PreviouslyLogged)
		buf.WriteByte(',')
		buf.WriteString(PreviouslyLogged)
		return
	}

	AppendValidCSV(buf, ev.CommandText)
	buf.WriteByte(',')

	switch params, ok := Parameters(ev.Params); {
	case !opts.LogParameter:
		buf.WriteString(NotLogged)
	case !ok:
		buf.WriteString(NoParameters)
	default:
		AppendValidCSV(buf, params)
	}

	ev.StatementLogged = true
}

// Line writes "AUDIT: <kind>,<statement>,<substatement>,<class>,<detail>".
func Line(buf *bytes.Buffer, kind string, statementID, substatementID int64, className, detail string) {
	buf.WriteString(linePrefix)
	buf.WriteString(kind)
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(statementID, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(substatementID, 10))
	buf.WriteByte(',')
	buf.WriteString(className)
	buf.WriteByte(',')
	buf.WriteString(detail)
}
