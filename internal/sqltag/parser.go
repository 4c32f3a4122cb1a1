package sqltag

import (
	"strings"

	"duck-audit/internal/audit"
)

// reserved words never name a relation or an alias, and a parenthesis after one
// of them opens a subquery or list rather than function arguments.
var reserved = map[string]bool{
	"ALL": true, "AND": true, "ANTI": true, "ANY": true, "ARRAY": true, "AS": true,
	"ASOF": true, "BY": true, "CASE": true, "CROSS": true, "DISTINCT": true,
	"ELSE": true, "END": true, "EXCEPT": true, "EXISTS": true, "FETCH": true,
	"FOR": true, "FROM": true, "FULL": true, "GROUP": true, "HAVING": true,
	"IN": true, "INNER": true, "INTERSECT": true, "INTO": true, "IS": true,
	"JOIN": true, "LATERAL": true, "LEFT": true, "LIMIT": true, "NATURAL": true,
	"NOT": true, "NULL": true, "OFFSET": true, "ON": true, "ONLY": true, "OR": true,
	"ORDER": true, "OUTER": true, "POSITIONAL": true, "QUALIFY": true,
	"RETURNING": true, "RIGHT": true, "SAMPLE": true, "SELECT": true, "SEMI": true,
	"SET": true, "SOME": true, "TABLESAMPLE": true, "THEN": true, "TO": true,
	"UNION": true, "USING": true, "VALUES": true, "WHEN": true, "WHERE": true,
	"WINDOW": true, "WITH": true,
}

// catalogSchemas hold system relations.
var catalogSchemas = map[string]bool{
	"pg_catalog":         true,
	"information_schema": true,
}

func isName(tok Token) bool {
	return tok.Type == TOKEN_IDENT && (tok.Quoted || !reserved[tok.Upper])
}

// parser is a cursor over the tokens of one statement.
type parser struct {
	toks []Token
	pos  int
}

func (p *parser) at(i int) Token {
	if i < 0 || i >= len(p.toks) {
		return Token{Type: TOKEN_EOF}
	}
	return p.toks[i]
}

func (p *parser) peek() Token { return p.at(p.pos) }

func (p *parser) peekAt(offset int) Token { return p.at(p.pos + offset) }

func (p *parser) next() Token {
	tok := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return tok
}

func (p *parser) advance(n int) {
	for ; n > 0; n-- {
		p.next()
	}
}

// skipWords consumes any run of the given keywords.
func (p *parser) skipWords(words ...string) {
	for {
		tok := p.peek()
		found := false
		for _, w := range words {
			if tok.Is(w) {
				found = true
				break
			}
		}
		if !found {
			return
		}
		p.next()
	}
}

// findTopLevel returns the index of the first keyword at parenthesis depth zero,
// counting from the given token, or -1.
func (p *parser) findTopLevel(from int, word string) int {
	depth := 0
	for i := from; i < len(p.toks); i++ {
		switch tok := p.toks[i]; tok.Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
		default:
			if depth == 0 && tok.Is(word) {
				return i
			}
		}
	}
	return -1
}

// qualifiedName reads a dotted name at the cursor.
func (p *parser) qualifiedName() (string, bool) {
	parts, next := p.nameAt(p.pos)
	if len(parts) == 0 {
		return "", false
	}
	p.pos = next
	return strings.Join(parts, "."), true
}

func (p *parser) nameAt(i int) ([]string, int) {
	if p.at(i).Type != TOKEN_IDENT {
		return nil, i
	}
	parts := []string{p.at(i).Literal}
	i++
	for p.at(i).Type == TOKEN_DOT && p.at(i+1).Type == TOKEN_IDENT {
		parts = append(parts, p.at(i+1).Literal)
		i += 2
	}
	return parts, i
}

// relationAt reads a table reference.
func (p *parser) relationAt(i int) (audit.ObjectAccess, int, bool) {
	if !isName(p.at(i)) {
		return audit.ObjectAccess{}, i, false
	}
	parts, next := p.nameAt(i)
	rel := audit.ObjectAccess{Name: parts[len(parts)-1]}
	if len(parts) > 1 {
		rel.Schema = parts[len(parts)-2]
	}
	rel.Catalog = catalogSchemas[strings.ToLower(rel.Schema)] ||
		(rel.Schema == "" && (strings.HasPrefix(strings.ToLower(rel.Name), "pg_") || strings.HasPrefix(strings.ToLower(rel.Name), "duckdb_")))
	return rel, next, true
}

// relation reads a table reference at the cursor.
func (p *parser) relation() (audit.ObjectAccess, bool) {
	rel, next, ok := p.relationAt(p.pos)
	if ok {
		p.pos = next
	}
	return rel, ok
}

// skipAliasAt skips "[AS] alias [(columns)]".
func (p *parser) skipAliasAt(i int) int {
	aliased := false
	if p.at(i).Is("AS") {
		i++
		aliased = true
	}
	if isName(p.at(i)) {
		i++
		aliased = true
	}
	if aliased && p.at(i).Type == TOKEN_LPAREN {
		i = p.skipParens(i)
	}
	return i
}

func (p *parser) skipAlias() { p.pos = p.skipAliasAt(p.pos) }

// skipParens returns the index after the parenthesis group opening at i.
func (p *parser) skipParens(i int) int {
	depth := 0
	for ; i < len(p.toks); i++ {
		switch p.toks[i].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// columnList reads "(a, b, c)" at the cursor.
func (p *parser) columnList() []string {
	end := p.skipParens(p.pos)
	var cols []string
	for i := p.pos + 1; i < end-1; i++ {
		if tok := p.toks[i]; tok.Type == TOKEN_IDENT {
			cols = append(cols, tok.Literal)
		}
	}
	p.pos = end
	return cols
}

// setColumns lists the assigned columns of an UPDATE's SET clause without moving
// the cursor.
func (p *parser) setColumns() []string {
	if !p.peek().Is("SET") {
		return nil
	}
	var cols []string
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
		if depth != 0 {
			continue
		}
		if tok.Is("WHERE") || tok.Is("FROM") || tok.Is("RETURNING") {
			break
		}
		if tok.Type == TOKEN_IDENT && p.at(i+1).Type == TOKEN_OP && p.at(i+1).Literal == "=" {
			cols = append(cols, tok.Literal)
		}
	}
	return cols
}

// collectRelations finds the relations named after FROM, JOIN and USING between the
// two token indexes. Arguments of function calls are skipped, so EXTRACT(.. FROM ..)
// names nothing. Unqualified names in ctes are query-local and skipped.
func (p *parser) collectRelations(from, to int, access audit.Access, ctes map[string]bool) []audit.ObjectAccess {
	var out []audit.ObjectAccess
	var calls []bool
	if to > len(p.toks) {
		to = len(p.toks)
	}

	for i := from; i < to; i++ {
		tok := p.toks[i]
		switch tok.Type {
		case TOKEN_LPAREN:
			prev := p.at(i - 1)
			calls = append(calls, prev.Type == TOKEN_IDENT && (prev.Quoted || !reserved[prev.Upper]))
			continue
		case TOKEN_RPAREN:
			if len(calls) > 0 {
				calls = calls[:len(calls)-1]
			}
			continue
		case TOKEN_IDENT:
		default:
			continue
		}
		if len(calls) > 0 && calls[len(calls)-1] {
			continue
		}

		isFrom := tok.Is("FROM") && !p.at(i-1).Is("DISTINCT")
		if !isFrom && !tok.Is("JOIN") && !tok.Is("USING") {
			continue
		}

		j := i + 1
		for {
			for p.at(j).Is("ONLY") || p.at(j).Is("LATERAL") {
				j++
			}
			rel, next, ok := p.relationAt(j)
			if !ok || p.at(next).Type == TOKEN_LPAREN {
				break // table functions are not relations
			}
			if rel.Schema != "" || !ctes[strings.ToLower(rel.Name)] {
				rel.Access = access
				out = append(out, rel)
			}
			j = p.skipAliasAt(next)
			if !isFrom || p.at(j).Type != TOKEN_COMMA {
				break
			}
			j++
		}
		i = j - 1
	}
	return out
}
