// Package field holds the per-session table of named values that audit formats
// print and rules filter on.
package field

import "unicode/utf8"

// Item names a registry cell.
type Item int

// Registry items.
const (
	ApplicationName Item = iota
	Class
	CommandParameter
	CommandResult
	CommandTag
	CommandText
	ConnectionMessage
	CurrentUser
	Database
	ObjectID
	ObjectType
	PID
	RemoteHost
	RemotePort
	StatementID
	SubStatementID
	Timestamp
	User
	VirtualXID

	NumItems
)

// DefaultCommandResult is the SQLSTATE a cleared command_result holds.
const DefaultCommandResult = "00000"

type cellSpec struct {
	name       string
	limit      int  // byte capacity of a fixed cell; 0 means growable
	connection bool // survives Reset(false)
}

var cells = [NumItems]cellSpec{
	ApplicationName:   {name: "application_name", connection: true},
	Class:             {name: "class"},
	CommandParameter:  {name: "command_parameter"},
	CommandResult:     {name: "command_result", limit: 8},
	CommandTag:        {name: "command_tag"},
	CommandText:       {name: "command_text"},
	ConnectionMessage: {name: "connection_message"},
	CurrentUser:       {name: "current_user"},
	Database:          {name: "database", connection: true},
	ObjectID:          {name: "object_id"},
	ObjectType:        {name: "object_type"},
	PID:               {name: "pid", limit: 16, connection: true},
	RemoteHost:        {name: "remote_host", limit: 1025, connection: true},
	RemotePort:        {name: "remote_port", limit: 32, connection: true},
	StatementID:       {name: "statement_id", limit: 24},
	SubStatementID:    {name: "sub_statement_id", limit: 24},
	Timestamp:         {name: "timestamp", limit: 128},
	User:              {name: "user", connection: true},
	VirtualXID:        {name: "virtual_xid", limit: 40},
}

// log_line_prefix style escapes.
var prefixes = map[byte]Item{
	't': Timestamp,
	'p': PID,
	'd': Database,
	'i': CommandTag,
	'a': ApplicationName,
	'v': VirtualXID,
	'h': RemoteHost,
	'u': User,
}

func (i Item) String() string {
	if i < 0 || i >= NumItems {
		return ""
	}
	return cells[i].name
}

// Fixed reports whether the cell has a bounded buffer.
func (i Item) Fixed() bool { return cells[i].limit > 0 }

// Items returns every item in registry order.
func Items() []Item {
	out := make([]Item, NumItems)
	for i := range out {
		out[i] = Item(i)
	}
	return out
}

// Lookup resolves an item by name.
func Lookup(name string) (Item, bool) {
	for i, c := range cells {
		if c.name == name {
			return Item(i), true
		}
	}
	return 0, false
}

// LookupPrefix resolves a log_line_prefix letter.
func LookupPrefix(letter byte) (Item, bool) {
	item, ok := prefixes[letter]
	return item, ok
}

// Registry is the value table of one session. It is not safe for concurrent use.
type Registry struct {
	values [NumItems]string
}

// NewRegistry returns a cleared registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset(true)
	return r
}

// Set replaces the value of a cell. Fixed cells keep at most their capacity.
func (r *Registry) Set(item Item, text string) {
	r.values[item] = fit(item, text)
}

// Append adds text to a cell, separated by a blank when the cell is not empty.
func (r *Registry) Append(item Item, text string) {
	if text == "" {
		return
	}
	if cur := r.values[item]; cur != "" {
		text = cur + " " + text
	}
	r.Set(item, text)
}

// Get returns the value of a cell.
func (r *Registry) Get(item Item) string {
	return r.values[item]
}

// Reset clears the statement-scoped cells, and the connection-scoped ones as well
// when all is set. command_result returns to DefaultCommandResult.
func (r *Registry) Reset(all bool) {
	for i, c := range cells {
		if c.connection && !all {
			continue
		}
		r.values[i] = ""
	}
	r.values[CommandResult] = DefaultCommandResult
}

// Snapshot returns the current values keyed by item name.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, NumItems)
	for i, c := range cells {
		out[c.name] = r.values[i]
	}
	return out
}

func fit(item Item, text string) string {
	limit := cells[item].limit
	if limit == 0 || len(text) <= limit {
		return text
	}
	text = text[:limit]
	for len(text) > 0 && !utf8.ValidString(text) {
		text = text[:len(text)-1]
	}
	return text
}
