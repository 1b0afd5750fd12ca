// Package ast defines the syntax tree the SQL parser (C10) produces and
// the XML transpiler (C11) consumes.
package ast

// Position locates a token in the source text.
type Position struct {
	Offset int
	Line   int // 1-based
	Column int // 1-based
}

// Statement is any top-level parsed unit.
type Statement interface{ stmtNode() }

// Expr is any expression node.
type Expr interface{ exprNode() }

// SelectStatement is the primary statement this subset exists to parse.
type SelectStatement struct {
	Comments []string // leading comments immediately above the statement
	Distinct bool
	Top      *int
	Columns  []SelectColumn
	From     TableRef
	Joins    []Join
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Union    *UnionClause
}

func (s *SelectStatement) stmtNode() {}

// SelectColumn is one projected expression, with an optional alias.
type SelectColumn struct {
	Expr  Expr
	Alias string
	Star  bool // true for a bare "*" or "alias.*"
}

// TableRef names a table and its optional alias.
type TableRef struct {
	Name  string
	Alias string
}

// JoinKind is one of the supported join forms.
type JoinKind string

const (
	InnerJoin JoinKind = "inner"
	LeftJoin  JoinKind = "left"
	RightJoin JoinKind = "right"
)

// Join is one FROM-clause join, with its ON condition.
type Join struct {
	Kind  JoinKind
	Table TableRef
	On    Expr
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr       Expr
	Descending bool
}

// UnionClause chains a second SELECT onto the first, UNION or UNION ALL.
type UnionClause struct {
	All    bool
	Select *SelectStatement
}

// DeclareStatement is `DECLARE @v TYPE [= expr]`.
type DeclareStatement struct {
	Variable string
	Type     string
	Init     Expr // nil if no initializer
}

func (s *DeclareStatement) stmtNode() {}

// SetStatement is `SET @v = expr`.
type SetStatement struct {
	Variable string
	Value    Expr
}

func (s *SetStatement) stmtNode() {}

// BlockStatement is a `BEGIN ... END` block.
type BlockStatement struct {
	Statements []Statement
}

func (s *BlockStatement) stmtNode() {}

// TryCatchStatement is `BEGIN TRY ... END TRY BEGIN CATCH ... END CATCH`.
type TryCatchStatement struct {
	Try   []Statement
	Catch []Statement
}

func (s *TryCatchStatement) stmtNode() {}

// --- Expressions ---

// Literal is a number, string, NULL, or boolean constant.
type Literal struct {
	Kind  LiteralKind
	Value string // raw textual value, already unescaped for strings
}

func (e *Literal) exprNode() {}

type LiteralKind string

const (
	LiteralString LiteralKind = "string"
	LiteralNumber LiteralKind = "number"
	LiteralNull   LiteralKind = "null"
)

// ColumnRef is a (possibly table-qualified) column reference.
type ColumnRef struct {
	Table  string // empty if unqualified
	Column string
}

func (e *ColumnRef) exprNode() {}

// Variable is an `@name` reference.
type Variable struct {
	Name string
}

func (e *Variable) exprNode() {}

// UnaryExpr is a prefix unary operator: `-x`, `NOT x`.
type UnaryExpr struct {
	Op      string
	Operand Expr
}

func (e *UnaryExpr) exprNode() {}

// BinaryExpr is any infix arithmetic, comparison, or logical operator.
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

func (e *BinaryExpr) exprNode() {}

// BetweenExpr is `expr [NOT] BETWEEN low AND high`.
type BetweenExpr struct {
	Operand Expr
	Not     bool
	Low     Expr
	High    Expr
}

func (e *BetweenExpr) exprNode() {}

// InExpr is `expr [NOT] IN (list)`.
type InExpr struct {
	Operand Expr
	Not     bool
	List    []Expr
}

func (e *InExpr) exprNode() {}

// IsNullExpr is `expr IS [NOT] NULL`.
type IsNullExpr struct {
	Operand Expr
	Not     bool
}

func (e *IsNullExpr) exprNode() {}

// LikeExpr is `expr [NOT] LIKE pattern`.
type LikeExpr struct {
	Operand Expr
	Not     bool
	Pattern Expr
}

func (e *LikeExpr) exprNode() {}

// FuncCall is a scalar function call, `NAME(args...)`.
type FuncCall struct {
	Name string
	Args []Expr
}

func (e *FuncCall) exprNode() {}

// AggregateKind enumerates the supported aggregate functions.
type AggregateKind string

const (
	AggCount AggregateKind = "count"
	AggSum   AggregateKind = "sum"
	AggAvg   AggregateKind = "avg"
	AggMin   AggregateKind = "min"
	AggMax   AggregateKind = "max"
)

// Aggregate is `COUNT(*)`, `COUNT(DISTINCT x)`, `SUM(x)`, etc.
type Aggregate struct {
	Kind     AggregateKind
	Distinct bool
	Star     bool // COUNT(*) only
	Arg      Expr // nil when Star is true
}

func (e *Aggregate) exprNode() {}

// CaseExpr is `CASE WHEN cond THEN res ... [ELSE else] END`.
type CaseExpr struct {
	Whens []WhenClause
	Else  Expr // nil if absent
}

func (e *CaseExpr) exprNode() {}

// WhenClause is one WHEN/THEN pair inside a CaseExpr.
type WhenClause struct {
	Cond Expr
	Then Expr
}

// IIFExpr is `IIF(cond, then, else)`.
type IIFExpr struct {
	Cond Expr
	Then Expr
	Else Expr
}

func (e *IIFExpr) exprNode() {}

// CastExpr is `CAST(expr AS TYPE)`.
type CastExpr struct {
	Operand Expr
	Type    string
}

func (e *CastExpr) exprNode() {}
