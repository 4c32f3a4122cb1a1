package classify

import "strings"

// Level is the statement log level assigned by the SQL tagger.
type Level int

// Statement log levels.
const (
	LevelNone Level = iota
	LevelDDL
	LevelMod
	LevelAll
)

func (l Level) String() string {
	switch l {
	case LevelDDL:
		return "ddl"
	case LevelMod:
		return "mod"
	case LevelAll:
		return "all"
	default:
		return "none"
	}
}

// Tag identifies the kind of statement node.
type Tag int

// Statement tags.
const (
	TagInvalid Tag = iota
	TagSelect
	TagInsert
	TagUpdate
	TagDelete
	TagMerge
	TagTruncate
	TagCopy
	TagExecute
	TagPrepare
	TagPlanned
	TagDo
	TagCall
	TagCreateRole
	TagAlterRole
	TagAlterRoleSet
	TagDropRole
	TagGrant
	TagGrantRole
	TagAlterDefaultPrivileges
	TagRename
	TagDrop
	TagCreate
	TagAlter
	TagExplain
	TagTransaction
	TagUtility
)

var tagNames = map[Tag]string{
	TagInvalid:                "Invalid",
	TagSelect:                 "Select",
	TagInsert:                 "Insert",
	TagUpdate:                 "Update",
	TagDelete:                 "Delete",
	TagMerge:                  "Merge",
	TagTruncate:               "Truncate",
	TagCopy:                   "Copy",
	TagExecute:                "Execute",
	TagPrepare:                "Prepare",
	TagPlanned:                "Planned",
	TagDo:                     "Do",
	TagCall:                   "Call",
	TagCreateRole:             "CreateRole",
	TagAlterRole:              "AlterRole",
	TagAlterRoleSet:           "AlterRoleSet",
	TagDropRole:               "DropRole",
	TagGrant:                  "Grant",
	TagGrantRole:              "GrantRole",
	TagAlterDefaultPrivileges: "AlterDefaultPrivileges",
	TagRename:                 "Rename",
	TagDrop:                   "Drop",
	TagCreate:                 "Create",
	TagAlter:                  "Alter",
	TagExplain:                "Explain",
	TagTransaction:            "Transaction",
	TagUtility:                "Utility",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "Invalid"
}

// Command strings compared against when deciding whether a rename or drop is a role statement.
const (
	CommandAlterRole = "ALTER ROLE"
	CommandDropRole  = "DROP ROLE"
)

const (
	tokenPassword = "password"
	tokenRedacted = "<REDACTED>"
)

// Descriptor is the statement description classification works on.
type Descriptor struct {
	Level   Level
	Tag     Tag
	Command string // command tag, e.g. "CREATE TABLE"
	Text    string // source text, redacted in place for role statements
}

// ClassifyStatement returns the audit class and class name of a statement. For
// CREATE/ALTER ROLE the descriptor text is redacted before anything else sees it.
// Every descriptor maps to exactly one of WRITE, DDL, ROLE, READ, FUNCTION, MISC.
func ClassifyStatement(d *Descriptor) (Class, string) {
	class := ClassMisc

	switch d.Level {
	case LevelMod:
		class = ClassWrite
		if d.Tag == TagExecute {
			class = ClassMisc
		}

	case LevelDDL:
		class = ClassDDL
		switch d.Tag {
		case TagCreateRole, TagAlterRole:
			d.Text, _ = Redact(d.Text)
			class = ClassRole
		case TagGrant, TagGrantRole, TagDropRole, TagAlterRoleSet, TagAlterDefaultPrivileges:
			class = ClassRole
		case TagRename, TagDrop:
			if strings.EqualFold(d.Command, CommandAlterRole) || strings.EqualFold(d.Command, CommandDropRole) {
				class = ClassRole
			}
		}

	case LevelAll:
		switch d.Tag {
		case TagCopy, TagSelect, TagPrepare, TagPlanned:
			class = ClassRead
		case TagDo:
			class = ClassFunction
		}
	}

	return class, class.String()
}

// Redact cuts text immediately after the first case-insensitive "password" token and
// appends the redaction marker. It reports whether the token was found.
func Redact(text string) (string, bool) {
	idx := indexASCIIFold(text, tokenPassword)
	if idx < 0 {
		return text, false
	}
	pos := idx + len(tokenPassword)
	return text[:pos] + " " + tokenRedacted, true
}

// indexASCIIFold returns the byte offset of the first match of the lower-case
// ASCII token in s, folding only ASCII letters so offsets stay valid for any input.
func indexASCIIFold(s, token string) int {
	for i := 0; i+len(token) <= len(s); i++ {
		j := 0
		for ; j < len(token); j++ {
			c := s[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != token[j] {
				break
			}
		}
		if j == len(token) {
			return i
		}
	}
	return -1
}

// RedactMessage removes the credential of a role statement from a message that
// may quote the statement back, such as an engine error. Everything after a
// password token in msg is cut, and the password value is masked wherever else
// it appears.
func RedactMessage(msg, text string) string {
	if secret := passwordValue(text); secret != "" {
		msg = strings.ReplaceAll(msg, secret, tokenRedacted)
	}
	if idx := indexASCIIFold(msg, tokenPassword); idx >= 0 {
		msg = msg[:idx+len(tokenPassword)] + " " + tokenRedacted
	}
	return msg
}

// passwordValue returns the literal following the password token, unquoted.
func passwordValue(text string) string {
	idx := indexASCIIFold(text, tokenPassword)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(text[idx+len(tokenPassword):], " \t\r\n")
	if rest == "" {
		return ""
	}

	var v string
	if q := rest[0]; q == '\'' || q == '"' {
		end := strings.IndexByte(rest[1:], q)
		if end < 0 {
			v = rest[1:]
		} else {
			v = rest[1 : end+1]
		}
	} else {
		end := strings.IndexAny(rest, " \t\r\n;")
		if end < 0 {
			end = len(rest)
		}
		v = rest[:end]
	}
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

// NeedsRedaction reports whether statements with this tag carry credentials.
func NeedsRedaction(tag Tag) bool {
	return tag == TagCreateRole || tag == TagAlterRole
}
