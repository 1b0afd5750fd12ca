package parser

import (
	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/lexer"
)

// CompletionRegion is the cursor-context analyzer's classification of
// where, syntactically, a cursor sits within partial SQL input.
type CompletionRegion string

const (
	StatementStart       CompletionRegion = "statement_start"
	AfterSelect          CompletionRegion = "after_select"
	SelectColumnList     CompletionRegion = "select_column_list"
	AfterFromJoinEntity  CompletionRegion = "after_from_join_entity"
	AfterOn              CompletionRegion = "after_on"
	AfterWhereCondition  CompletionRegion = "after_where_condition"
	AfterGroupBy         CompletionRegion = "after_group_by"
	AfterOrderByAttr     CompletionRegion = "after_order_by_attr"
	AfterOrderByComplete CompletionRegion = "after_order_by_complete"
	InString             CompletionRegion = "in_string"
	UnknownRegion        CompletionRegion = "unknown"
)

// AnalyzeCursor classifies the completion region at cursorOffset within
// src, for IDE-style assistance over partial (possibly invalid) input. It
// never attempts a full parse: a full parse of incomplete input would
// itself fail, so this falls back to a left-to-right token scan over the
// text up to the cursor.
func AnalyzeCursor(src string, cursorOffset int) CompletionRegion {
	if cursorOffset < 0 {
		cursorOffset = 0
	}
	if cursorOffset > len(src) {
		cursorOffset = len(src)
	}
	prefix := src[:cursorOffset]

	if insideUnterminatedString(prefix) {
		return InString
	}

	tokens, _ := lexer.Tokenize(prefix)

	region := StatementStart
	pendingGroup := false
	pendingOrder := false

	for _, t := range tokens {
		if t.Kind == lexer.EOF {
			continue
		}
		switch {
		case t.Kind == lexer.Keyword && t.Text == "SELECT":
			region = AfterSelect
			pendingGroup, pendingOrder = false, false
		case t.Kind == lexer.Keyword && (t.Text == "FROM" || t.Text == "JOIN"):
			region = AfterFromJoinEntity
			pendingGroup, pendingOrder = false, false
		case t.Kind == lexer.Keyword && (t.Text == "INNER" || t.Text == "LEFT" || t.Text == "RIGHT" || t.Text == "OUTER"):
			region = AfterFromJoinEntity
		case t.Kind == lexer.Keyword && t.Text == "ON":
			region = AfterOn
			pendingGroup, pendingOrder = false, false
		case t.Kind == lexer.Keyword && t.Text == "WHERE":
			region = AfterWhereCondition
			pendingGroup, pendingOrder = false, false
		case t.Kind == lexer.Keyword && t.Text == "HAVING":
			region = AfterWhereCondition
			pendingGroup, pendingOrder = false, false
		case t.Kind == lexer.Keyword && t.Text == "GROUP":
			pendingGroup = true
		case t.Kind == lexer.Keyword && t.Text == "ORDER":
			pendingOrder = true
		case t.Kind == lexer.Keyword && t.Text == "BY" && pendingGroup:
			region = AfterGroupBy
			pendingGroup = false
		case t.Kind == lexer.Keyword && t.Text == "BY" && pendingOrder:
			region = AfterOrderByAttr
			pendingOrder = false
		case t.Kind == lexer.Punct && t.Text == ",":
			if region == AfterSelect {
				region = SelectColumnList
			} else if region == AfterOrderByComplete {
				region = AfterOrderByAttr
			}
		case region == AfterSelect && (t.Kind == lexer.Ident || t.Kind == lexer.QuotedIdent || t.Kind == lexer.Operator):
			region = SelectColumnList
		case region == AfterOrderByAttr && (t.Kind == lexer.Ident || t.Kind == lexer.QuotedIdent):
			region = AfterOrderByComplete
		}
	}

	return region
}

// insideUnterminatedString reports whether prefix ends mid string literal,
// i.e. has an odd count of un-escaped single quotes.
func insideUnterminatedString(prefix string) bool {
	count := 0
	runes := []rune(prefix)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\'' {
			if i+1 < len(runes) && runes[i+1] == '\'' {
				i++
				continue
			}
			count++
		}
	}
	return count%2 == 1
}
