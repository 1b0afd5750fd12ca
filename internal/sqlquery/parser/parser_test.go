package parser

import (
	"testing"

	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/ast"
)

func mustSelect(t *testing.T, src string) *ast.SelectStatement {
	t.Helper()
	p := New(src)
	stmt, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors for %q: %v", src, errs)
	}
	sel, ok := stmt.(*ast.SelectStatement)
	if !ok {
		t.Fatalf("expected a SelectStatement, got %T", stmt)
	}
	return sel
}

func TestParse_SimpleSelect(t *testing.T) {
	sel := mustSelect(t, "SELECT name, accountnumber FROM account")
	if len(sel.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(sel.Columns))
	}
	if sel.From.Name != "account" {
		t.Errorf("expected table account, got %q", sel.From.Name)
	}
}

func TestParse_DistinctTopAndStar(t *testing.T) {
	sel := mustSelect(t, "SELECT DISTINCT TOP 10 * FROM account")
	if !sel.Distinct {
		t.Error("expected Distinct=true")
	}
	if sel.Top == nil || *sel.Top != 10 {
		t.Fatalf("expected Top=10, got %v", sel.Top)
	}
	if len(sel.Columns) != 1 || !sel.Columns[0].Star {
		t.Fatalf("expected a single star column, got %+v", sel.Columns)
	}
}

func TestParse_WhereWithAndOr(t *testing.T) {
	sel := mustSelect(t, "SELECT name FROM account WHERE statecode = 0 AND (revenue > 1000 OR name LIKE 'A%')")
	bin, ok := sel.Where.(*ast.BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected top-level AND, got %+v", sel.Where)
	}
}

func TestParse_JoinWithOn(t *testing.T) {
	sel := mustSelect(t, "SELECT a.name, c.fullname FROM account AS a JOIN contact AS c ON a.accountid = c.parentcustomerid")
	if len(sel.Joins) != 1 {
		t.Fatalf("expected one join, got %d", len(sel.Joins))
	}
	if sel.Joins[0].Table.Name != "contact" || sel.Joins[0].Table.Alias != "c" {
		t.Errorf("expected joined table contact aliased c, got %+v", sel.Joins[0].Table)
	}
	if sel.Joins[0].On == nil {
		t.Error("expected an ON condition")
	}
}

func TestParse_LeftJoin(t *testing.T) {
	sel := mustSelect(t, "SELECT a.name FROM account AS a LEFT JOIN contact AS c ON a.accountid = c.parentcustomerid")
	if sel.Joins[0].Kind != ast.LeftJoin {
		t.Errorf("expected LeftJoin, got %s", sel.Joins[0].Kind)
	}
}

func TestParse_GroupByHavingOrderBy(t *testing.T) {
	sel := mustSelect(t, "SELECT statecode, COUNT(*) AS total FROM account GROUP BY statecode HAVING COUNT(*) > 1 ORDER BY total DESC")
	if len(sel.GroupBy) != 1 {
		t.Fatalf("expected 1 group-by column, got %d", len(sel.GroupBy))
	}
	if sel.Having == nil {
		t.Error("expected a HAVING condition")
	}
	if len(sel.OrderBy) != 1 || !sel.OrderBy[0].Descending {
		t.Fatalf("expected one descending order-by item, got %+v", sel.OrderBy)
	}
}

func TestParse_Union(t *testing.T) {
	sel := mustSelect(t, "SELECT name FROM account UNION ALL SELECT name FROM contact")
	if sel.Union == nil || !sel.Union.All {
		t.Fatalf("expected a UNION ALL clause, got %+v", sel.Union)
	}
}

func TestParse_CaseWhenAndIIF(t *testing.T) {
	sel := mustSelect(t, "SELECT CASE WHEN statecode = 0 THEN 'Active' ELSE 'Inactive' END FROM account")
	if _, ok := sel.Columns[0].Expr.(*ast.CaseExpr); !ok {
		t.Fatalf("expected a CaseExpr, got %T", sel.Columns[0].Expr)
	}

	sel = mustSelect(t, "SELECT IIF(statecode = 0, 'Active', 'Inactive') AS label FROM account")
	if _, ok := sel.Columns[0].Expr.(*ast.IIFExpr); !ok {
		t.Fatalf("expected an IIFExpr, got %T", sel.Columns[0].Expr)
	}
}

func TestParse_AggregateCountDistinct(t *testing.T) {
	sel := mustSelect(t, "SELECT COUNT(DISTINCT name) AS total FROM account")
	agg, ok := sel.Columns[0].Expr.(*ast.Aggregate)
	if !ok {
		t.Fatalf("expected an Aggregate, got %T", sel.Columns[0].Expr)
	}
	if !agg.Distinct || agg.Kind != ast.AggCount {
		t.Errorf("expected COUNT DISTINCT, got %+v", agg)
	}
}

func TestParse_BetweenAndInAndIsNull(t *testing.T) {
	sel := mustSelect(t, "SELECT name FROM account WHERE revenue BETWEEN 1 AND 100 AND statecode IN (0, 1) AND fax IS NULL")
	if sel.Where == nil {
		t.Fatal("expected a WHERE clause")
	}
}

func TestParse_DeclareAndSet(t *testing.T) {
	p := New("DECLARE @minRevenue MONEY = 1000")
	stmt, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	decl, ok := stmt.(*ast.DeclareStatement)
	if !ok || decl.Variable != "minRevenue" || decl.Type != "MONEY" {
		t.Fatalf("expected a parsed DECLARE, got %+v", stmt)
	}

	p2 := New("SET @minRevenue = 2000")
	stmt2, errs2 := p2.Parse()
	if len(errs2) != 0 {
		t.Fatalf("unexpected errors: %v", errs2)
	}
	set, ok := stmt2.(*ast.SetStatement)
	if !ok || set.Variable != "minRevenue" {
		t.Fatalf("expected a parsed SET, got %+v", stmt2)
	}
}

func TestParse_BeginTryCatch(t *testing.T) {
	src := "BEGIN TRY SET @x = 1 END TRY BEGIN CATCH SET @x = 2 END CATCH"
	p := New(src)
	stmt, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	tc, ok := stmt.(*ast.TryCatchStatement)
	if !ok {
		t.Fatalf("expected a TryCatchStatement, got %T", stmt)
	}
	if len(tc.Try) != 1 || len(tc.Catch) != 1 {
		t.Fatalf("expected one statement per block, got try=%d catch=%d", len(tc.Try), len(tc.Catch))
	}
}

func TestParse_ErrorRecoveryCarriesPositionAndSnippet(t *testing.T) {
	p := New("SELECT FROM account")
	_, errs := p.Parse()
	if len(errs) == 0 {
		t.Fatal("expected a parse error for a missing column list")
	}
	if errs[0].Pos.Line != 1 {
		t.Errorf("expected line 1, got %d", errs[0].Pos.Line)
	}
	if errs[0].Snippet == "" {
		t.Error("expected a non-empty source snippet")
	}
}
