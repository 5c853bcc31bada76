package scanspec

import (
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinytablet/kv/util/stmterr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	loc  stmterr.Location
}

type lexer struct {
	src       string
	pos       int
	line, col int
}

func (l *lexer) peekByte() byte {
	if l.pos < len(l.src) {
		return l.src[l.pos]
	}
	return 0
}

func (l *lexer) advance() {
	if l.src[l.pos] == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	l.pos++
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// next returns the next token. Unterminated strings and unknown characters come back as an
// error token: tokEOF with a non-empty text.
func (l *lexer) next() token {
	for l.pos < len(l.src) && strings.IndexByte(" \t\r\n", l.src[l.pos]) >= 0 {
		l.advance()
	}
	tok := token{loc: stmterr.Location{BeginLine: l.line, BeginColumn: l.col}}
	start := l.pos
	finish := func(kind tokenKind) token {
		tok.kind = kind
		tok.text = l.src[start:l.pos]
		tok.loc.EndLine, tok.loc.EndColumn = l.line, l.col
		return tok
	}
	if l.pos >= len(l.src) {
		return finish(tokEOF)
	}
	c := l.peekByte()
	switch {
	case c == '(':
		l.advance()
		return finish(tokLParen)
	case c == ')':
		l.advance()
		return finish(tokRParen)
	case c == '=':
		l.advance()
		return finish(tokOp)
	case c == '<' || c == '>':
		l.advance()
		if l.peekByte() == '=' {
			l.advance()
		}
		return finish(tokOp)
	case c == '\'':
		l.advance()
		for l.pos < len(l.src) && l.src[l.pos] != '\'' {
			l.advance()
		}
		if l.pos >= len(l.src) {
			return finish(tokEOF)
		}
		l.advance()
		return finish(tokString)
	case c == '-' || (c >= '0' && c <= '9'):
		l.advance()
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.advance()
		}
		return finish(tokInt)
	case isIdentByte(c):
		for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
			l.advance()
		}
		return finish(tokIdent)
	}
	l.advance()
	return finish(tokEOF)
}

type parser struct {
	schema *Schema
	lex    *lexer
	tok    token
	ctx    *stmterr.Context
}

// ParseCondition parses a WHERE clause over the column names of schema, e.g.
// "tenant = 7 AND year BETWEEN 2000 AND 2010 AND NOT (name < 'k')". Errors carry the clause with
// the offending token marked.
func ParseCondition(schema *Schema, where string) (*Condition, error) {
	p := &parser{
		schema: schema,
		lex:    &lexer{src: where, line: 1, col: 1},
		ctx:    stmterr.NewContext(where),
	}
	p.tok = p.lex.next()
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF || p.tok.text != "" {
		return nil, p.fail("unexpected trailing input", stmterr.SyntaxError)
	}
	if err := cond.validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *parser) fail(msg string, code stmterr.ErrorCode) error {
	if p.tok.kind == tokEOF && p.tok.text == "" {
		return p.ctx.Error(p.tok.loc, msg+" at end of input", code, "")
	}
	return p.ctx.Error(p.tok.loc, msg, code, "")
}

func (p *parser) keyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func (p *parser) parseOr() (*Condition, error) {
	return p.parseList("OR", Or, p.parseAnd)
}

func (p *parser) parseAnd() (*Condition, error) {
	return p.parseList("AND", And, p.parseFactor)
}

func (p *parser) parseList(kw string, join func(...*Condition) *Condition, operand func() (*Condition, error)) (*Condition, error) {
	first, err := operand()
	if err != nil {
		return nil, err
	}
	conds := []*Condition{first}
	for p.keyword(kw) {
		p.tok = p.lex.next()
		c, err := operand()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return first, nil
	}
	return join(conds...), nil
}

func (p *parser) parseFactor() (*Condition, error) {
	switch {
	case p.keyword("NOT"):
		p.tok = p.lex.next()
		c, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return Not(c), nil
	case p.tok.kind == tokLParen:
		p.tok = p.lex.next()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.fail("expected )", stmterr.SyntaxError)
		}
		p.tok = p.lex.next()
		return c, nil
	case p.tok.kind == tokIdent:
		return p.parseComparison()
	}
	return nil, p.fail("expected a column", stmterr.SyntaxError)
}

var compareOps = map[string]Op{
	"=":  OpEqual,
	"<":  OpLessThan,
	"<=": OpLessEqual,
	">":  OpGreaterThan,
	">=": OpGreaterEqual,
}

func (p *parser) parseComparison() (*Condition, error) {
	col, ok := p.lookupColumn(p.tok.text)
	if !ok {
		return nil, p.fail("column \""+p.tok.text+"\" does not exist", stmterr.UndefinedColumn)
	}
	p.tok = p.lex.next()
	if p.keyword("BETWEEN") {
		p.tok = p.lex.next()
		lower, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, p.fail("expected AND", stmterr.SyntaxError)
		}
		p.tok = p.lex.next()
		upper, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return Between(col, lower, upper), nil
	}
	op, ok := compareOps[p.tok.text]
	if p.tok.kind != tokOp || !ok {
		return nil, p.fail("expected a comparison", stmterr.SyntaxError)
	}
	p.tok = p.lex.next()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return Compare(op, col, v), nil
}

func (p *parser) parseValue() (Value, error) {
	tok := p.tok
	switch {
	case tok.kind == tokInt:
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return NullValue, p.fail("invalid integer", stmterr.InvalidArguments)
		}
		p.tok = p.lex.next()
		return IntValue(i), nil
	case tok.kind == tokString:
		p.tok = p.lex.next()
		return StringValue(tok.text[1 : len(tok.text)-1]), nil
	case p.keyword("NULL"):
		p.tok = p.lex.next()
		return NullValue, nil
	}
	return NullValue, p.fail("expected a value", stmterr.SyntaxError)
}

func (p *parser) lookupColumn(name string) (int32, bool) {
	for _, c := range p.schema.Columns {
		if strings.EqualFold(c.Name, name) {
			return c.ID, true
		}
	}
	return 0, false
}
