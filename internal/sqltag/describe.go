package sqltag

import (
	"strings"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
)

// Statement describes one SQL statement for auditing.
type Statement struct {
	Level   classify.Level
	Tag     classify.Tag
	Command string // command tag, e.g. "CREATE TABLE"
	Text    string

	// Relations lists the tables a DML statement reads or writes, with the
	// privileges each one requires.
	Relations []audit.ObjectAccess

	// Function is the called function of CALL statements.
	Function string

	// ObjectType and ObjectName name the target of DDL and TRUNCATE statements.
	ObjectType string
	ObjectName string
}

// Audit converts the description into the statement an audit session starts.
func (s Statement) Audit(params []string) audit.Statement {
	return audit.Statement{
		Level:      s.Level,
		Tag:        s.Tag,
		Command:    s.Command,
		Text:       s.Text,
		Params:     params,
		ObjectType: s.ObjectType,
		ObjectName: s.ObjectName,
	}
}

// Empty reports whether the statement had no tokens.
func (s Statement) Empty() bool { return s.Command == "" }

// Split breaks a simple-query string into statements on top-level semicolons.
// Semicolons inside strings, quoted identifiers, comments and parentheses do not
// split. Empty statements are dropped.
func Split(sql string) []string {
	var out []string
	depth, start := 0, 0
	l := NewLexer(sql)
	for {
		tok := l.NextToken()
		switch tok.Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			if depth > 0 {
				depth--
			}
		case TOKEN_SEMICOLON:
			if depth > 0 {
				continue
			}
			if stmt := strings.TrimSpace(sql[start:tok.Pos]); stmt != "" {
				out = append(out, stmt)
			}
			start = tok.Pos + 1
		case TOKEN_EOF:
			if stmt := strings.TrimSpace(sql[start:]); stmt != "" {
				out = append(out, stmt)
			}
			return out
		}
	}
}

// Describe tags a single statement. Unknown statements are utility statements at
// log level ALL, which audit as MISC.
func Describe(sql string) Statement {
	text := strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
	st := Statement{Level: classify.LevelAll, Tag: classify.TagUtility, Text: text}

	p := &parser{toks: Tokens(text)}
	for p.peek().Type == TOKEN_LPAREN {
		p.next()
	}
	head := p.peek()
	if head.Type != TOKEN_IDENT || head.Quoted {
		if head.Type != TOKEN_EOF {
			st.Command = strings.ToUpper(head.Literal)
		}
		return st
	}

	switch head.Upper {
	case "SELECT", "VALUES", "TABLE", "FROM", "WITH":
		p.describeQuery(&st)
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		p.describeQuery(&st)
	case "TRUNCATE":
		p.describeTruncate(&st)
	case "COPY":
		p.describeCopy(&st)
	case "EXECUTE":
		st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagExecute, "EXECUTE"
	case "PREPARE":
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagPrepare, "PREPARE"
	case "EXPLAIN":
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagExplain, "EXPLAIN"
	case "DO":
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagDo, "DO"
	case "CALL":
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagCall, "CALL"
		p.next()
		if name, ok := p.qualifiedName(); ok {
			st.Function = name
		}
	case "CREATE":
		p.describeCreate(&st)
	case "ALTER":
		p.describeAlter(&st)
	case "DROP":
		p.describeDrop(&st)
	case "GRANT", "REVOKE":
		st.Level, st.Tag, st.Command = classify.LevelDDL, classify.TagGrantRole, head.Upper+" ROLE"
		if p.findTopLevel(0, "ON") >= 0 {
			st.Tag, st.Command = classify.TagGrant, head.Upper
		}
	case "COMMENT":
		st.Level, st.Tag, st.Command = classify.LevelDDL, classify.TagAlter, "COMMENT"
	case "BEGIN", "COMMIT", "END", "ROLLBACK", "ABORT", "SAVEPOINT", "RELEASE":
		st.Tag, st.Command = classify.TagTransaction, transactionCommands[head.Upper]
	case "START":
		st.Tag, st.Command = classify.TagTransaction, "START TRANSACTION"
	default:
		st.Command = head.Upper
	}
	return st
}

var transactionCommands = map[string]string{
	"BEGIN":     "BEGIN",
	"COMMIT":    "COMMIT",
	"END":       "COMMIT",
	"ROLLBACK":  "ROLLBACK",
	"ABORT":     "ROLLBACK",
	"SAVEPOINT": "SAVEPOINT",
	"RELEASE":   "RELEASE",
}

// objectKinds maps the words following CREATE/ALTER/DROP to the command suffix and
// audit object type.
var objectKinds = map[string]struct{ command, objectType string }{
	"TABLE":     {"TABLE", "TABLE"},
	"VIEW":      {"VIEW", "VIEW"},
	"INDEX":     {"INDEX", "INDEX"},
	"SEQUENCE":  {"SEQUENCE", "SEQUENCE"},
	"FUNCTION":  {"FUNCTION", "FUNCTION"},
	"MACRO":     {"MACRO", "FUNCTION"},
	"PROCEDURE": {"PROCEDURE", "FUNCTION"},
	"TYPE":      {"TYPE", "COMPOSITE TYPE"},
	"SCHEMA":    {"SCHEMA", ""},
	"DATABASE":  {"DATABASE", ""},
	"SECRET":    {"SECRET", ""},
	"EXTENSION": {"EXTENSION", ""},
	"TRIGGER":   {"TRIGGER", ""},
}

func isRoleKind(word string) bool {
	return word == "ROLE" || word == "USER" || word == "GROUP"
}

// objectKind reads the object kind after CREATE/ALTER/DROP, including the
// two-word MATERIALIZED VIEW and FOREIGN TABLE forms.
func (p *parser) objectKind() (command, objectType string, ok bool) {
	tok := p.peek()
	switch {
	case tok.Is("MATERIALIZED") && p.peekAt(1).Is("VIEW"):
		p.advance(2)
		return "MATERIALIZED VIEW", "MATERIALIZED VIEW", true
	case tok.Is("FOREIGN") && p.peekAt(1).Is("TABLE"):
		p.advance(2)
		return "FOREIGN TABLE", "FOREIGN TABLE", true
	}
	if k, found := objectKinds[tok.Upper]; found && !tok.Quoted {
		p.next()
		return k.command, k.objectType, true
	}
	return "", "", false
}

func (p *parser) describeCreate(st *Statement) {
	st.Level, st.Tag, st.Command = classify.LevelDDL, classify.TagCreate, "CREATE"
	p.next()
	p.skipWords("OR", "REPLACE", "TEMP", "TEMPORARY", "UNIQUE", "UNLOGGED", "PERSISTENT", "GLOBAL", "LOCAL")

	if word := p.peek(); isRoleKind(word.Upper) && !word.Quoted {
		p.next()
		st.Tag, st.Command = classify.TagCreateRole, "CREATE ROLE"
		st.ObjectName, _ = p.qualifiedName()
		return
	}

	command, objectType, ok := p.objectKind()
	if !ok {
		return
	}
	st.Command = "CREATE " + command
	st.ObjectType = objectType
	p.skipWords("CONCURRENTLY", "IF", "NOT", "EXISTS")
	st.ObjectName, _ = p.qualifiedName()

	// CREATE TABLE .. AS / CREATE VIEW .. AS read their sources.
	if as := p.findTopLevel(p.pos, "AS"); as >= 0 && (command == "TABLE" || command == "VIEW" || command == "MATERIALIZED VIEW") {
		st.Relations = mergeRelations(p.collectRelations(as+1, len(p.toks), audit.AccessSelect, nil))
	}
}

func (p *parser) describeAlter(st *Statement) {
	st.Level, st.Tag, st.Command = classify.LevelDDL, classify.TagAlter, "ALTER"
	p.next()

	if p.peek().Is("DEFAULT") && p.peekAt(1).Is("PRIVILEGES") {
		st.Tag, st.Command = classify.TagAlterDefaultPrivileges, "ALTER DEFAULT PRIVILEGES"
		return
	}

	if word := p.peek(); isRoleKind(word.Upper) && !word.Quoted {
		p.next()
		st.Command = classify.CommandAlterRole
		st.ObjectName, _ = p.qualifiedName()
		switch {
		case p.findTopLevel(p.pos, "RENAME") >= 0:
			st.Tag = classify.TagRename
		case p.findTopLevel(p.pos, "SET") >= 0 || p.findTopLevel(p.pos, "RESET") >= 0:
			st.Tag = classify.TagAlterRoleSet
		default:
			st.Tag = classify.TagAlterRole
		}
		return
	}

	command, objectType, ok := p.objectKind()
	if !ok {
		return
	}
	st.Command = "ALTER " + command
	st.ObjectType = objectType
	p.skipWords("IF", "EXISTS")
	st.ObjectName, _ = p.qualifiedName()
	if p.findTopLevel(p.pos, "RENAME") >= 0 {
		st.Tag = classify.TagRename
	}
}

func (p *parser) describeDrop(st *Statement) {
	st.Level, st.Tag, st.Command = classify.LevelDDL, classify.TagDrop, "DROP"
	p.next()

	if word := p.peek(); isRoleKind(word.Upper) && !word.Quoted {
		p.next()
		st.Tag, st.Command = classify.TagDropRole, classify.CommandDropRole
		p.skipWords("IF", "EXISTS")
		st.ObjectName, _ = p.qualifiedName()
		return
	}

	command, objectType, ok := p.objectKind()
	if !ok {
		return
	}
	st.Command = "DROP " + command
	st.ObjectType = objectType
	p.skipWords("IF", "EXISTS")
	st.ObjectName, _ = p.qualifiedName()
}

func (p *parser) describeTruncate(st *Statement) {
	st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagTruncate, "TRUNCATE TABLE"
	p.next()
	p.skipWords("TABLE", "ONLY")
	if name, ok := p.qualifiedName(); ok {
		st.ObjectType, st.ObjectName = classify.ObjectTable.String(), name
	}
}

// describeCopy distinguishes COPY .. FROM (a write) from COPY .. TO (a read).
func (p *parser) describeCopy(st *Statement) {
	st.Tag, st.Command = classify.TagCopy, "COPY"
	p.next()

	if p.peek().Type == TOKEN_LPAREN {
		st.Level = classify.LevelAll
		st.Relations = mergeRelations(p.collectRelations(p.pos+1, len(p.toks), audit.AccessSelect, nil))
		return
	}

	rel, ok := p.relation()
	if !ok {
		st.Level = classify.LevelAll
		return
	}
	if p.peek().Type == TOKEN_LPAREN {
		rel.Columns = p.columnList()
	}
	if p.peek().Is("FROM") {
		st.Level = classify.LevelMod
		rel.Access = audit.AccessInsert
	} else {
		st.Level = classify.LevelAll
		rel.Access = audit.AccessSelect
	}
	st.Relations = []audit.ObjectAccess{rel}
}

// describeQuery handles SELECT and the DML verbs, optionally behind a WITH clause.
func (p *parser) describeQuery(st *Statement) {
	ctes := map[string]bool{}
	verb := p.pos
	if p.peek().Is("WITH") {
		verb = p.skipWith(ctes)
	}

	tok := p.at(verb)
	p.pos = verb + 1
	var rels []audit.ObjectAccess

	switch {
	case tok.Is("INSERT"):
		st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagInsert, "INSERT"
		p.skipWords("OR", "REPLACE", "IGNORE", "INTO")
		if rel, ok := p.relation(); ok {
			rel.Access = audit.AccessInsert
			p.skipAlias()
			if p.peek().Type == TOKEN_LPAREN {
				rel.Columns = p.columnList()
			}
			rels = append(rels, rel)
		}

	case tok.Is("UPDATE"):
		st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagUpdate, "UPDATE"
		p.skipWords("ONLY")
		if rel, ok := p.relation(); ok {
			rel.Access = audit.AccessUpdate
			p.skipAlias()
			rel.Columns = p.setColumns()
			rels = append(rels, rel)
		}

	case tok.Is("DELETE"):
		st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagDelete, "DELETE"
		p.skipWords("FROM", "ONLY")
		if rel, ok := p.relation(); ok {
			rel.Access = audit.AccessDelete
			rels = append(rels, rel)
		}

	case tok.Is("MERGE"):
		st.Level, st.Tag, st.Command = classify.LevelMod, classify.TagMerge, "MERGE"
		p.skipWords("INTO")
		if rel, ok := p.relation(); ok {
			for _, w := range []struct {
				word string
				bit  audit.Access
			}{{"INSERT", audit.AccessInsert}, {"UPDATE", audit.AccessUpdate}, {"DELETE", audit.AccessDelete}} {
				if p.findTopLevel(p.pos, w.word) >= 0 {
					rel.Access |= w.bit
				}
			}
			rels = append(rels, rel)
		}

	case tok.Is("TABLE"):
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagSelect, "SELECT"
		if rel, ok := p.relation(); ok {
			rel.Access = audit.AccessSelect
			rels = append(rels, rel)
		}

	default:
		st.Level, st.Tag, st.Command = classify.LevelAll, classify.TagSelect, "SELECT"
		p.pos = verb
	}

	// CTE bodies precede the verb; their names are not relations.
	rels = append(rels, p.collectRelations(0, verb, audit.AccessSelect, ctes)...)
	rels = append(rels, p.collectRelations(p.pos, len(p.toks), audit.AccessSelect, ctes)...)
	st.Relations = mergeRelations(rels)
}

// skipWith records the CTE names of a WITH clause and returns the index of the
// statement verb that follows it.
func (p *parser) skipWith(ctes map[string]bool) int {
	depth := 0
	for i := p.pos + 1; i < len(p.toks); i++ {
		tok := p.toks[i]
		switch tok.Type {
		case TOKEN_LPAREN:
			depth++
			continue
		case TOKEN_RPAREN:
			depth--
			continue
		}
		if depth != 0 || tok.Type != TOKEN_IDENT {
			continue
		}
		next := p.at(i + 1)
		if isName(tok) && (next.Is("AS") || next.Type == TOKEN_LPAREN) {
			if !tok.Is("RECURSIVE") && !tok.Is("MATERIALIZED") {
				ctes[strings.ToLower(tok.Literal)] = true
			}
			continue
		}
		if !tok.Quoted {
			switch tok.Upper {
			case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "VALUES", "FROM", "TABLE":
				return i
			}
		}
	}
	return len(p.toks)
}

// mergeRelations folds repeated relations together, unioning their privileges and
// columns. First appearance order is kept.
func mergeRelations(rels []audit.ObjectAccess) []audit.ObjectAccess {
	var out []audit.ObjectAccess
	index := map[string]int{}
	for _, rel := range rels {
		key := strings.ToLower(rel.QualifiedName())
		if j, ok := index[key]; ok {
			out[j].Access |= rel.Access
			out[j].Columns = appendMissing(out[j].Columns, rel.Columns)
			continue
		}
		index[key] = len(out)
		out = append(out, rel)
	}
	return out
}

func appendMissing(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if strings.EqualFold(d, s) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
