package parser

import (
	"strings"

	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/ast"
	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/lexer"
)

// parseExpr is the entry point for the full expression grammar, precedence
// lowest-to-highest: OR, AND, NOT, comparison, additive, multiplicative,
// unary.
func (p *Parser) parseExpr() ast.Expr {
	return p.parseOr()
}

func (p *Parser) parseOr() ast.Expr {
	left := p.parseAnd()
	for p.atKeyword("OR") {
		p.advance()
		right := p.parseAnd()
		left = &ast.BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseAnd() ast.Expr {
	left := p.parseNot()
	for p.atKeyword("AND") {
		p.advance()
		right := p.parseNot()
		left = &ast.BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseNot() ast.Expr {
	if p.atKeyword("NOT") {
		p.advance()
		operand := p.parseNot()
		return &ast.UnaryExpr{Op: "NOT", Operand: operand}
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"=": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

func (p *Parser) parseComparison() ast.Expr {
	left := p.parseAdditive()

	not := false
	if p.atKeyword("NOT") && (p.peekAt(1).Kind == lexer.Keyword && (p.peekAt(1).Text == "IN" || p.peekAt(1).Text == "LIKE" || p.peekAt(1).Text == "BETWEEN")) {
		p.advance()
		not = true
	}

	switch {
	case p.atKeyword("IN"):
		p.advance()
		return &ast.InExpr{Operand: left, Not: not, List: p.parseParenExprList()}
	case p.atKeyword("LIKE"):
		p.advance()
		return &ast.LikeExpr{Operand: left, Not: not, Pattern: p.parseAdditive()}
	case p.atKeyword("BETWEEN"):
		p.advance()
		low := p.parseAdditive()
		p.expectKeyword("AND")
		high := p.parseAdditive()
		return &ast.BetweenExpr{Operand: left, Not: not, Low: low, High: high}
	case p.atKeyword("IS"):
		p.advance()
		isNot := false
		if p.atKeyword("NOT") {
			p.advance()
			isNot = true
		}
		p.expectKeyword("NULL")
		return &ast.IsNullExpr{Operand: left, Not: isNot}
	}

	if p.cur().Kind == lexer.Operator && comparisonOps[p.cur().Text] {
		op := p.advance().Text
		right := p.parseAdditive()
		return &ast.BinaryExpr{Op: op, Left: left, Right: right}
	}

	return left
}

func (p *Parser) parseParenExprList() []ast.Expr {
	p.expectPunct("(")
	var list []ast.Expr
	if !p.atPunct(")") {
		list = p.parseExprList()
	}
	p.expectPunct(")")
	return list
}

func (p *Parser) parseAdditive() ast.Expr {
	left := p.parseMultiplicative()
	for p.atOperator("+") || p.atOperator("-") {
		op := p.advance().Text
		right := p.parseMultiplicative()
		left = &ast.BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseMultiplicative() ast.Expr {
	left := p.parseUnary()
	for p.atOperator("*") || p.atOperator("/") || p.atOperator("%") {
		op := p.advance().Text
		right := p.parseUnary()
		left = &ast.BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseUnary() ast.Expr {
	if p.atOperator("-") {
		p.advance()
		return &ast.UnaryExpr{Op: "-", Operand: p.parseUnary()}
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() ast.Expr {
	t := p.cur()

	switch {
	case t.Kind == lexer.String:
		p.advance()
		return &ast.Literal{Kind: ast.LiteralString, Value: t.Text}
	case t.Kind == lexer.Number:
		p.advance()
		return &ast.Literal{Kind: ast.LiteralNumber, Value: t.Text}
	case t.Kind == lexer.Keyword && t.Text == "NULL":
		p.advance()
		return &ast.Literal{Kind: ast.LiteralNull}
	case t.Kind == lexer.Variable:
		p.advance()
		return &ast.Variable{Name: t.Text}
	case t.Kind == lexer.Punct && t.Text == "(":
		p.advance()
		inner := p.parseExpr()
		p.expectPunct(")")
		return inner
	case t.Kind == lexer.Keyword && t.Text == "CASE":
		return p.parseCase()
	case t.Kind == lexer.Keyword && t.Text == "IIF":
		return p.parseIIF()
	case t.Kind == lexer.Keyword && t.Text == "CAST":
		return p.parseCast()
	case t.Kind == lexer.Keyword && isAggregateKeyword(t.Text):
		return p.parseAggregate()
	case t.Kind == lexer.Ident || t.Kind == lexer.QuotedIdent:
		return p.parseIdentOrCallOrColumn()
	default:
		p.errorf("unexpected token %q in expression", t.Text)
		p.advance()
		return &ast.Literal{Kind: ast.LiteralNull}
	}
}

func isAggregateKeyword(text string) bool {
	switch text {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	default:
		return false
	}
}

func (p *Parser) parseAggregate() ast.Expr {
	kind := ast.AggregateKind(strings.ToLower(p.advance().Text))
	p.expectPunct("(")

	agg := &ast.Aggregate{Kind: kind}
	if kind == ast.AggCount && p.atOperator("*") {
		p.advance()
		agg.Star = true
	} else {
		if p.atKeyword("DISTINCT") {
			p.advance()
			agg.Distinct = true
		}
		agg.Arg = p.parseExpr()
	}
	p.expectPunct(")")
	return agg
}

func (p *Parser) parseCase() ast.Expr {
	p.expectKeyword("CASE")
	ce := &ast.CaseExpr{}
	for p.atKeyword("WHEN") {
		p.advance()
		cond := p.parseExpr()
		p.expectKeyword("THEN")
		then := p.parseExpr()
		ce.Whens = append(ce.Whens, ast.WhenClause{Cond: cond, Then: then})
	}
	if p.atKeyword("ELSE") {
		p.advance()
		ce.Else = p.parseExpr()
	}
	p.expectKeyword("END")
	return ce
}

func (p *Parser) parseIIF() ast.Expr {
	p.expectKeyword("IIF")
	p.expectPunct("(")
	cond := p.parseExpr()
	p.expectPunct(",")
	then := p.parseExpr()
	p.expectPunct(",")
	els := p.parseExpr()
	p.expectPunct(")")
	return &ast.IIFExpr{Cond: cond, Then: then, Else: els}
}

func (p *Parser) parseCast() ast.Expr {
	p.expectKeyword("CAST")
	p.expectPunct("(")
	operand := p.parseExpr()
	p.expectKeyword("AS")
	typ := ""
	if name, ok := identText(p.cur()); ok {
		typ = name
		p.advance()
	} else if p.cur().Kind == lexer.Keyword {
		typ = p.advance().Text
	}
	p.expectPunct(")")
	return &ast.CastExpr{Operand: operand, Type: typ}
}

// parseIdentOrCallOrColumn disambiguates a bare identifier, a
// table.column reference, and a scalar function call.
func (p *Parser) parseIdentOrCallOrColumn() ast.Expr {
	name, _ := identText(p.advance())

	if p.atPunct(".") {
		p.advance()
		col, _ := identText(p.cur())
		p.advance()
		return &ast.ColumnRef{Table: name, Column: col}
	}

	if p.atPunct("(") {
		p.advance()
		var args []ast.Expr
		if !p.atPunct(")") {
			args = p.parseExprList()
		}
		p.expectPunct(")")
		return &ast.FuncCall{Name: name, Args: args}
	}

	return &ast.ColumnRef{Column: name}
}
