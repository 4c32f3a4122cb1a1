package record

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-audit/internal/audit/field"
	"duck-audit/internal/audit/stack"
)

func TestAppendValidCSV(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`a,b"c`, `"a,b""c"`},
		{"plain", "plain"},
		{"", ""},
		{"two\nlines", "\"two\nlines\""},
		{"cr\rhere", "\"cr\rhere\""},
		{`"`, `""""`},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		buf.WriteString("x")
		AppendValidCSV(&buf, tc.in)
		assert.Equal(t, "x"+tc.want, buf.String(), tc.in)
	}
}

func TestDetail(t *testing.T) {
	t.Run("text and parameters", func(t *testing.T) {
		ev := &stack.Event{
			Command:     "SELECT",
			ObjectType:  "TABLE",
			ObjectName:  "main.orders",
			CommandText: "SELECT * FROM orders WHERE id = $1 AND note = $2",
			Params:      []string{"42", "a,b"},
		}
		var buf bytes.Buffer
		Detail(&buf, ev, Options{LogParameter: true})
		assert.Equal(t, `SELECT,TABLE,main.orders,SELECT * FROM orders WHERE id = $1 AND note = $2,"42 ""a,b"""`, buf.String())
		assert.True(t, ev.StatementLogged)
	})

	t.Run("parameters off", func(t *testing.T) {
		ev := &stack.Event{Command: "SELECT", CommandText: "SELECT 1", Params: []string{"1"}}
		var buf bytes.Buffer
		Detail(&buf, ev, Options{})
		assert.Equal(t, "SELECT,,,SELECT 1,<not logged>", buf.String())
	})

	t.Run("no parameters", func(t *testing.T) {
		ev := &stack.Event{Command: "SELECT", CommandText: "SELECT 1"}
		var buf bytes.Buffer
		Detail(&buf, ev, Options{LogParameter: true})
		assert.Equal(t, "SELECT,,,SELECT 1,<none>", buf.String())
	})

	t.Run("statement once", func(t *testing.T) {
		ev := &stack.Event{Command: "SELECT", ObjectType: "TABLE", ObjectName: "t", CommandText: "SELECT 1", StatementLogged: true}
		var buf bytes.Buffer
		Detail(&buf, ev, Options{LogStatementOnce: true, LogParameter: true})
		assert.Equal(t, "SELECT,TABLE,t,<previously logged>,<previously logged>", buf.String())
	})

	t.Run("statement once off repeats text", func(t *testing.T) {
		ev := &stack.Event{Command: "SELECT", CommandText: "SELECT 1", StatementLogged: true}
		var buf bytes.Buffer
		Detail(&buf, ev, Options{})
		assert.Equal(t, "SELECT,,,SELECT 1,<not logged>", buf.String())
	})
}

func TestLine(t *testing.T) {
	var buf bytes.Buffer
	Line(&buf, KindSession, 3, 1, "READ", "SELECT,,,SELECT 1,<not logged>")
	assert.Equal(t, "AUDIT: SESSION,3,1,READ,SELECT,,,SELECT 1,<not logged>", buf.String())

	buf.Reset()
	Line(&buf, KindObject, 1, 2, "WRITE", "INSERT,TABLE,main.t,\"INSERT INTO t VALUES (1,2)\",<none>")
	assert.Equal(t, "AUDIT: OBJECT,1,2,WRITE,INSERT,TABLE,main.t,\"INSERT INTO t VALUES (1,2)\",<none>", buf.String())
}

func TestFormat(t *testing.T) {
	reg := field.NewRegistry()
	reg.Set(field.User, "alice")
	reg.Set(field.Database, "shop")
	reg.Set(field.Class, "READ")
	reg.Set(field.CommandText, "SELECT 1")

	f, err := ParseFormat("[%u@%d] %class 100%% %command_text")
	require.NoError(t, err)
	assert.Equal(t, "[alice@shop] READ 100% SELECT 1", f.Render(reg))
	assert.Equal(t, []field.Item{field.User, field.Database, field.Class, field.CommandText}, f.Items())
	assert.Equal(t, "[%u@%d] %class 100%% %command_text", f.String())
}

func TestFormat_LongestName(t *testing.T) {
	reg := field.NewRegistry()
	reg.Set(field.StatementID, "7")
	reg.Set(field.SubStatementID, "2")
	reg.Set(field.CommandTag, "SELECT")
	reg.Set(field.CommandText, "SELECT 1")

	f, err := ParseFormat("%sub_statement_id/%statement_id %command_tag|%command_text")
	require.NoError(t, err)
	assert.Equal(t, "2/7 SELECT|SELECT 1", f.Render(reg))
}

func TestFormat_Errors(t *testing.T) {
	_, err := ParseFormat("%nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "%nope")

	_, err = ParseFormat("trailing %")
	require.Error(t, err)
}
