// Package sqltag describes SQL statements for auditing: log level, statement tag,
// command tag, and the relations a statement reads or writes.
package sqltag

import (
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

// TOKEN_EOF and friends enumerate the token types produced by the lexer. Keywords
// are plain identifiers; callers compare Token.Upper.
const (
	TOKEN_EOF     TokenType = iota // end of input
	TOKEN_ILLEGAL                  // unexpected character

	TOKEN_IDENT  // identifier or keyword
	TOKEN_NUMBER // 123, 45.67, 1e10
	TOKEN_STRING // 'hello', E'..', $$..$$
	TOKEN_PARAM  // $1

	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )
	TOKEN_OP        // any other operator or punctuation
)

// Token is one lexical unit with its byte offset in the input.
type Token struct {
	Type    TokenType
	Literal string
	Upper   string // upper-cased literal of unquoted identifiers
	Quoted  bool   // identifier was written in double quotes
	Pos     int
}

// Is reports whether the token is the unquoted keyword kw (upper case).
func (t Token) Is(kw string) bool {
	return t.Type == TOKEN_IDENT && !t.Quoted && t.Upper == kw
}

// Lexer tokenizes SQL input.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// Tokens returns every token of input up to, not including, EOF.
func Tokens(input string) []Token {
	l := NewLexer(input)
	var out []Token
	for {
		tok := l.NextToken()
		if tok.Type == TOKEN_EOF {
			return out
		}
		out = append(out, tok)
	}
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	start := l.pos
	var tok Token

	switch l.ch {
	case 0:
		return Token{Type: TOKEN_EOF, Pos: len(l.input)}
	case '.':
		tok = Token{Type: TOKEN_DOT, Literal: "."}
	case ',':
		tok = Token{Type: TOKEN_COMMA, Literal: ","}
	case ';':
		tok = Token{Type: TOKEN_SEMICOLON, Literal: ";"}
	case '(':
		tok = Token{Type: TOKEN_LPAREN, Literal: "("}
	case ')':
		tok = Token{Type: TOKEN_RPAREN, Literal: ")"}
	case '$':
		if isDigit(l.peekChar()) {
			l.readChar()
			for isDigit(l.ch) {
				l.readChar()
			}
			return Token{Type: TOKEN_PARAM, Literal: l.input[start:l.pos], Pos: start}
		}
		if body, ok := l.readDollarQuoted(); ok {
			return Token{Type: TOKEN_STRING, Literal: body, Pos: start}
		}
		tok = Token{Type: TOKEN_OP, Literal: "$"}
	case '\'':
		return Token{Type: TOKEN_STRING, Literal: l.readString(), Pos: start}
	case '"':
		lit := l.readQuotedIdentifier()
		return Token{Type: TOKEN_IDENT, Literal: lit, Quoted: true, Pos: start}
	default:
		switch {
		case (l.ch == 'E' || l.ch == 'e') && l.peekChar() == '\'':
			l.readChar()
			return Token{Type: TOKEN_STRING, Literal: l.readString(), Pos: start}
		case isLetter(l.ch) || l.ch == '_':
			lit := l.readIdentifier()
			return Token{Type: TOKEN_IDENT, Literal: lit, Upper: strings.ToUpper(lit), Pos: start}
		case isDigit(l.ch):
			return Token{Type: TOKEN_NUMBER, Literal: l.readNumber(), Pos: start}
		case strings.IndexByte("+-*/%=<>!|&^~?:[]{}@#", l.ch) >= 0:
			tok = Token{Type: TOKEN_OP, Literal: string(l.ch)}
		default:
			tok = Token{Type: TOKEN_ILLEGAL, Literal: string(l.ch)}
		}
	}

	tok.Pos = start
	l.readChar()
	return tok
}

// skipWhitespaceAndComments skips whitespace and SQL comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f' {
			l.readChar()
		}
		// Line comment (-- ...)
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		// Block comment (/* ... */)
		if l.ch == '/' && l.peekChar() == '*' {
			l.readChar()
			l.readChar()
			for l.ch != 0 {
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
			continue
		}
		break
	}
}

// readString reads a single-quoted string literal. '' is an embedded quote.
func (l *Lexer) readString() string {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.ch != 0 {
		if l.ch == '\'' {
			if l.peekChar() == '\'' {
				result.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			break
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String()
}

// readQuotedIdentifier reads a double-quoted identifier. "" is an embedded quote.
func (l *Lexer) readQuotedIdentifier() string {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.ch != 0 {
		if l.ch == '"' {
			if l.peekChar() == '"' {
				result.WriteByte('"')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			break
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String()
}

// readDollarQuoted reads $tag$ ... $tag$ bodies, as used by DO blocks and function
// definitions. It leaves the lexer untouched when the input is not a dollar quote.
func (l *Lexer) readDollarQuoted() (string, bool) {
	rest := l.input[l.pos:]
	end := strings.IndexByte(rest[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := rest[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return "", false
		}
	}
	bodyStart := l.pos + len(tag)
	closeAt := strings.Index(l.input[bodyStart:], tag)
	bodyEnd, next := len(l.input), len(l.input)
	if closeAt >= 0 {
		bodyEnd = bodyStart + closeAt
		next = bodyEnd + len(tag)
	}
	body := l.input[bodyStart:bodyEnd]
	l.readPos = next
	l.readChar()
	return body, true
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch)) || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
