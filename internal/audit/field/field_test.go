package field

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	assert.Len(t, Items(), 19)
	for _, item := range Items() {
		got, ok := Lookup(item.String())
		require.True(t, ok, item.String())
		assert.Equal(t, item, got)
	}

	_, ok := Lookup("no_such_item")
	assert.False(t, ok)
}

func TestLookupPrefix(t *testing.T) {
	tests := map[byte]Item{
		't': Timestamp, 'p': PID, 'd': Database, 'i': CommandTag,
		'a': ApplicationName, 'v': VirtualXID, 'h': RemoteHost, 'u': User,
	}
	for letter, want := range tests {
		got, ok := LookupPrefix(letter)
		require.True(t, ok, string(letter))
		assert.Equal(t, want, got)
	}

	_, ok := LookupPrefix('x')
	assert.False(t, ok)
}

func TestRegistry_SetGet(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, DefaultCommandResult, r.Get(CommandResult))

	r.Set(CommandText, strings.Repeat("x", 5000))
	assert.Len(t, r.Get(CommandText), 5000, "growable cells keep everything")

	r.Set(PID, strings.Repeat("9", 40))
	assert.Len(t, r.Get(PID), 16, "fixed cells truncate")
	assert.True(t, PID.Fixed())
	assert.False(t, CommandText.Fixed())
}

func TestRegistry_TruncateKeepsValidUTF8(t *testing.T) {
	r := NewRegistry()
	r.Set(CommandResult, "0000é€€")
	assert.LessOrEqual(t, len(r.Get(CommandResult)), 8)
	assert.True(t, strings.HasPrefix(r.Get(CommandResult), "0000"))
	assert.Equal(t, "0000é", r.Get(CommandResult))
}

func TestRegistry_Append(t *testing.T) {
	r := NewRegistry()
	r.Append(Class, "READ")
	r.Append(Class, "")
	r.Append(Class, "WRITE")
	assert.Equal(t, "READ WRITE", r.Get(Class))
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry()
	r.Set(User, "alice")
	r.Set(Database, "shop")
	r.Set(RemoteHost, "10.0.0.1")
	r.Set(CommandText, "SELECT 1")
	r.Set(CommandResult, "42P01")

	r.Reset(false)
	assert.Equal(t, "alice", r.Get(User))
	assert.Equal(t, "shop", r.Get(Database))
	assert.Equal(t, "10.0.0.1", r.Get(RemoteHost))
	assert.Empty(t, r.Get(CommandText))
	assert.Equal(t, DefaultCommandResult, r.Get(CommandResult))

	r.Reset(true)
	assert.Empty(t, r.Get(User))
	assert.Empty(t, r.Get(Database))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Set(Class, "DDL")
	snap := r.Snapshot()
	assert.Len(t, snap, 19)
	assert.Equal(t, "DDL", snap["class"])
	assert.Equal(t, "00000", snap["command_result"])
}
