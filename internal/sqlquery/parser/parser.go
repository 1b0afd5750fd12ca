// Package parser implements the recursive-descent Parser half of C10,
// over the token stream the lexer package produces, covering the T-SQL
// subset described in the component design: SELECT with its usual
// clauses, UNION, DECLARE, SET, BEGIN/END, and TRY/CATCH blocks.
package parser

import (
	"fmt"
	"strings"

	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/ast"
	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/lexer"
)

// ParseError carries enough context for an IDE or CLI to point at the
// offending source location.
type ParseError struct {
	Pos     ast.Position
	Message string
	Snippet string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Message)
}

// Parser consumes a full token stream and produces one top-level
// Statement, collecting ParseErrors along the way rather than panicking.
type Parser struct {
	src    string
	tokens []lexer.Token
	pos    int
	leading []string
	errs   []ParseError
}

// New tokenizes src and returns a ready Parser.
func New(src string) *Parser {
	tokens, leading := lexer.Tokenize(src)
	return &Parser{src: src, tokens: tokens, leading: leading}
}

// Parse returns the parsed top-level statement and any errors encountered.
// A non-nil statement may still be partial if errs is non-empty.
func (p *Parser) Parse() (ast.Statement, []ParseError) {
	stmt := p.parseStatement()
	return stmt, p.errs
}

func (p *Parser) parseStatement() ast.Statement {
	switch {
	case p.atKeyword("SELECT"):
		return p.parseSelect()
	case p.atKeyword("DECLARE"):
		return p.parseDeclare()
	case p.atKeyword("SET"):
		return p.parseSet()
	case p.atKeyword("BEGIN"):
		return p.parseBeginBlock()
	default:
		p.errorf("expected a statement, got %q", p.cur().Text)
		return nil
	}
}

// --- token cursor helpers ---

func (p *Parser) cur() lexer.Token {
	if p.pos >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peekAt(n int) lexer.Token {
	if p.pos+n >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF}
	}
	return p.tokens[p.pos+n]
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) atKeyword(kw string) bool {
	t := p.cur()
	return t.Kind == lexer.Keyword && t.Text == kw
}

func (p *Parser) atOperator(op string) bool {
	t := p.cur()
	return t.Kind == lexer.Operator && t.Text == op
}

func (p *Parser) atPunct(s string) bool {
	t := p.cur()
	return t.Kind == lexer.Punct && t.Text == s
}

func (p *Parser) expectKeyword(kw string) bool {
	if p.atKeyword(kw) {
		p.advance()
		return true
	}
	p.errorf("expected %s, got %q", kw, p.cur().Text)
	return false
}

func (p *Parser) expectPunct(s string) bool {
	if p.atPunct(s) {
		p.advance()
		return true
	}
	p.errorf("expected %q, got %q", s, p.cur().Text)
	return false
}

func (p *Parser) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.errs = append(p.errs, ParseError{
		Pos:     p.cur().Pos,
		Message: msg,
		Snippet: p.snippet(p.cur().Pos),
	})
}

// snippet extracts the source line around pos for error display.
func (p *Parser) snippet(pos ast.Position) string {
	lines := strings.Split(p.src, "\n")
	idx := pos.Line - 1
	if idx < 0 || idx >= len(lines) {
		return ""
	}
	return strings.TrimRight(lines[idx], "\r")
}

// identText returns an unqualified identifier's text, accepting both plain
// identifiers and bracket/double-quoted ones.
func identText(t lexer.Token) (string, bool) {
	if t.Kind == lexer.Ident || t.Kind == lexer.QuotedIdent {
		return t.Text, true
	}
	return "", false
}

// --- SELECT ---

func (p *Parser) parseSelect() *ast.SelectStatement {
	stmt := &ast.SelectStatement{Comments: p.leading}
	p.expectKeyword("SELECT")

	if p.atKeyword("DISTINCT") {
		p.advance()
		stmt.Distinct = true
	}

	if p.atKeyword("TOP") {
		p.advance()
		if p.cur().Kind == lexer.Number {
			n := parseIntLiteral(p.advance().Text)
			stmt.Top = &n
		} else {
			p.errorf("expected a number after TOP")
		}
	}

	stmt.Columns = p.parseSelectColumnList()

	if p.expectKeyword("FROM") {
		stmt.From = p.parseTableRef()
	}

	for p.atJoinStart() {
		stmt.Joins = append(stmt.Joins, p.parseJoin())
	}

	if p.atKeyword("WHERE") {
		p.advance()
		stmt.Where = p.parseExpr()
	}

	if p.atKeyword("GROUP") {
		p.advance()
		p.expectKeyword("BY")
		stmt.GroupBy = p.parseExprList()
	}

	if p.atKeyword("HAVING") {
		p.advance()
		stmt.Having = p.parseExpr()
	}

	if p.atKeyword("ORDER") {
		p.advance()
		p.expectKeyword("BY")
		stmt.OrderBy = p.parseOrderByList()
	}

	if p.atKeyword("UNION") {
		p.advance()
		all := false
		if p.atKeyword("ALL") {
			p.advance()
			all = true
		}
		inner := p.parseSelect()
		stmt.Union = &ast.UnionClause{All: all, Select: inner}
	}

	return stmt
}

func (p *Parser) parseSelectColumnList() []ast.SelectColumn {
	var cols []ast.SelectColumn
	for {
		cols = append(cols, p.parseSelectColumn())
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return cols
}

func (p *Parser) parseSelectColumn() ast.SelectColumn {
	if p.atOperator("*") {
		p.advance()
		return ast.SelectColumn{Star: true}
	}
	if p.cur().Kind == lexer.Ident && p.peekAt(1).Kind == lexer.Punct && p.peekAt(1).Text == "." && p.peekAt(2).Kind == lexer.Operator && p.peekAt(2).Text == "*" {
		p.advance()
		p.advance()
		p.advance()
		return ast.SelectColumn{Star: true}
	}

	expr := p.parseExpr()
	col := ast.SelectColumn{Expr: expr}

	if p.atKeyword("AS") {
		p.advance()
		if name, ok := identText(p.cur()); ok {
			col.Alias = name
			p.advance()
		} else {
			p.errorf("expected an alias after AS")
		}
	} else if name, ok := identText(p.cur()); ok {
		col.Alias = name
		p.advance()
	}

	return col
}

func (p *Parser) parseTableRef() ast.TableRef {
	ref := ast.TableRef{}
	if name, ok := identText(p.cur()); ok {
		ref.Name = name
		p.advance()
	} else {
		p.errorf("expected a table name")
	}
	if p.atKeyword("AS") {
		p.advance()
		if alias, ok := identText(p.cur()); ok {
			ref.Alias = alias
			p.advance()
		}
	} else if alias, ok := identText(p.cur()); ok {
		ref.Alias = alias
		p.advance()
	}
	return ref
}

func (p *Parser) atJoinStart() bool {
	return p.atKeyword("JOIN") || p.atKeyword("INNER") || p.atKeyword("LEFT") || p.atKeyword("RIGHT")
}

func (p *Parser) parseJoin() ast.Join {
	kind := ast.InnerJoin
	switch {
	case p.atKeyword("LEFT"):
		kind = ast.LeftJoin
		p.advance()
	case p.atKeyword("RIGHT"):
		kind = ast.RightJoin
		p.advance()
	case p.atKeyword("INNER"):
		p.advance()
	}
	if p.atKeyword("OUTER") {
		p.advance()
	}
	p.expectKeyword("JOIN")
	table := p.parseTableRef()

	var on ast.Expr
	if p.expectKeyword("ON") {
		on = p.parseExpr()
	}
	return ast.Join{Kind: kind, Table: table, On: on}
}

func (p *Parser) parseOrderByList() []ast.OrderItem {
	var items []ast.OrderItem
	for {
		expr := p.parseExpr()
		desc := false
		if p.atKeyword("DESC") {
			p.advance()
			desc = true
		} else if p.atKeyword("ASC") {
			p.advance()
		}
		items = append(items, ast.OrderItem{Expr: expr, Descending: desc})
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return items
}

func (p *Parser) parseExprList() []ast.Expr {
	var exprs []ast.Expr
	for {
		exprs = append(exprs, p.parseExpr())
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return exprs
}

// --- DECLARE / SET / BEGIN blocks ---

func (p *Parser) parseDeclare() *ast.DeclareStatement {
	p.expectKeyword("DECLARE")
	stmt := &ast.DeclareStatement{}
	if p.cur().Kind == lexer.Variable {
		stmt.Variable = p.advance().Text
	} else {
		p.errorf("expected a variable after DECLARE")
	}
	if name, ok := identText(p.cur()); ok {
		stmt.Type = name
		p.advance()
	} else {
		p.errorf("expected a type after the variable")
	}
	if p.atOperator("=") {
		p.advance()
		stmt.Init = p.parseExpr()
	}
	return stmt
}

func (p *Parser) parseSet() *ast.SetStatement {
	p.expectKeyword("SET")
	stmt := &ast.SetStatement{}
	if p.cur().Kind == lexer.Variable {
		stmt.Variable = p.advance().Text
	} else {
		p.errorf("expected a variable after SET")
	}
	p.expectOperator("=")
	stmt.Value = p.parseExpr()
	return stmt
}

func (p *Parser) expectOperator(op string) bool {
	if p.atOperator(op) {
		p.advance()
		return true
	}
	p.errorf("expected %q, got %q", op, p.cur().Text)
	return false
}

func (p *Parser) parseBeginBlock() ast.Statement {
	p.expectKeyword("BEGIN")
	if p.atKeyword("TRY") {
		p.advance()
		tc := &ast.TryCatchStatement{}
		tc.Try = p.parseStatementsUntil("END")
		p.expectKeyword("END")
		p.expectKeyword("TRY")
		p.expectKeyword("BEGIN")
		p.expectKeyword("CATCH")
		tc.Catch = p.parseStatementsUntil("END")
		p.expectKeyword("END")
		p.expectKeyword("CATCH")
		return tc
	}

	block := &ast.BlockStatement{}
	block.Statements = p.parseStatementsUntil("END")
	p.expectKeyword("END")
	return block
}

func (p *Parser) parseStatementsUntil(terminator string) []ast.Statement {
	var stmts []ast.Statement
	for !p.atKeyword(terminator) && p.cur().Kind != lexer.EOF {
		start := p.pos
		stmt := p.parseStatement()
		if stmt != nil {
			stmts = append(stmts, stmt)
		}
		if p.atPunct(";") {
			p.advance()
		}
		if p.pos == start {
			// parseStatement made no progress (unrecognized token): skip it
			// so the loop always terminates on malformed input.
			p.advance()
		}
	}
	return stmts
}

func parseIntLiteral(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
