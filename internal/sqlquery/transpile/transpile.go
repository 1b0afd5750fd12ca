// Package transpile implements the XML Query Transpiler (C11): it turns a
// parsed SELECT statement into the platform's FetchXML-style query
// dialect, tracking which requested columns are virtual display-name
// lookups or client-evaluated computed expressions along the way.
package transpile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/r3edge-labs/dataverse-migrate/internal/sqlquery/ast"
)

// VirtualColumn records a SELECT column that cannot be fetched directly:
// either a display-name lookup (virtual) resolved from a base attribute
// after the fact, or a computed expression (CASE/IIF/arithmetic) that must
// be evaluated client-side from the attributes it references.
type VirtualColumn struct {
	Alias       string
	BaseColumns []string
	Computed    bool
}

// Result is transpile's output: the XML query plus the virtual-column map
// the post-execution step needs.
type Result struct {
	XML            string
	VirtualColumns []VirtualColumn
}

var operatorMap = map[string]string{
	"=":  "eq",
	"<>": "ne",
	"!=": "ne",
	"<":  "lt",
	">":  "gt",
	"<=": "le",
	">=": "ge",
}

// Transpile converts stmt into a Result. Only the SELECT form is
// supported; callers pass the outermost statement of a UNION manually per
// branch since FetchXML has no native UNION construct.
func Transpile(stmt *ast.SelectStatement) (Result, error) {
	t := &transpiler{
		outerAlias:  aliasOrName(stmt.From),
		aliasTable:  map[string]string{aliasOrName(stmt.From): strings.ToLower(stmt.From.Name)},
		groupByCols: make(map[string]bool),
	}
	for _, j := range stmt.Joins {
		t.aliasTable[aliasOrName(j.Table)] = strings.ToLower(j.Table.Name)
	}
	for _, g := range stmt.GroupBy {
		if col, ok := g.(*ast.ColumnRef); ok {
			t.groupByCols[strings.ToLower(col.Column)] = true
		}
	}

	var b strings.Builder
	for _, c := range stmt.Comments {
		fmt.Fprintf(&b, "<!-- %s -->\n", escapeComment(c))
	}

	isAggregate := t.hasAggregateColumn(stmt.Columns)

	fmt.Fprintf(&b, "<fetch%s%s%s>\n", topAttr(stmt.Top), boolAttr("distinct", stmt.Distinct), boolAttr("aggregate", isAggregate))
	fmt.Fprintf(&b, "  <entity name=\"%s\">\n", strings.ToLower(stmt.From.Name))

	attrs, virtuals := t.emitColumns(stmt.Columns, isAggregate)
	for _, a := range attrs {
		b.WriteString("    " + a + "\n")
	}

	t.appendGroupBy(&b, stmt, attrs)

	if stmt.Where != nil {
		b.WriteString(t.emitFilterRoot(stmt.Where, 2))
	}

	for _, j := range stmt.Joins {
		b.WriteString(t.emitLinkEntity(j, 2))
	}

	t.appendOrderBy(&b, stmt, isAggregate)

	b.WriteString("  </entity>\n")
	b.WriteString("</fetch>\n")

	return Result{XML: b.String(), VirtualColumns: virtuals}, nil
}

type transpiler struct {
	outerAlias  string
	aliasTable  map[string]string // alias/name -> lowercase entity name
	autoAlias   int
	seenBase    map[string]bool
	groupByCols map[string]bool // lowercase column names also named in GROUP BY
}

func aliasOrName(t ast.TableRef) string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

func boolAttr(name string, v bool) string {
	if !v {
		return ""
	}
	return fmt.Sprintf(" %s=\"true\"", name)
}

func topAttr(top *int) string {
	if top == nil {
		return ""
	}
	return fmt.Sprintf(" top=\"%d\"", *top)
}

func escapeComment(s string) string {
	return strings.ReplaceAll(s, "--", "- -")
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func (t *transpiler) hasAggregateColumn(cols []ast.SelectColumn) bool {
	for _, c := range cols {
		if _, ok := c.Expr.(*ast.Aggregate); ok {
			return true
		}
	}
	return false
}

// emitColumns renders each SELECT column as a <attribute/> element (or
// records it as virtual/computed instead of emitting it directly),
// deduping by base column name.
func (t *transpiler) emitColumns(cols []ast.SelectColumn, isAggregate bool) (elems []string, virtuals []VirtualColumn) {
	t.seenBase = make(map[string]bool)

	for _, c := range cols {
		if c.Star {
			elems = append(elems, "<all-attributes />")
			continue
		}

		switch e := c.Expr.(type) {
		case *ast.Aggregate:
			elems = append(elems, t.emitAggregate(e, c.Alias))
		case *ast.ColumnRef:
			name := strings.ToLower(e.Column)
			if base, isVirtual := virtualBaseColumn(name); isVirtual {
				virtuals = append(virtuals, VirtualColumn{Alias: name, BaseColumns: []string{base}})
				elems = append(elems, t.attrElem(base))
				continue
			}
			elems = append(elems, t.attrElem(name))
		default:
			// CASE / IIF / arithmetic: not sendable, emit the referenced
			// base columns and record the expression for client evaluation.
			refs := collectColumnRefs(c.Expr)
			alias := c.Alias
			if alias == "" {
				t.autoAlias++
				alias = fmt.Sprintf("computed%d", t.autoAlias)
			}
			var bases []string
			for _, r := range refs {
				name := strings.ToLower(r.Column)
				bases = append(bases, name)
				elems = append(elems, t.attrElem(name))
			}
			virtuals = append(virtuals, VirtualColumn{Alias: alias, BaseColumns: bases, Computed: true})
		}
	}
	return elems, virtuals
}

func (t *transpiler) attrElem(name string) string {
	if t.seenBase[name] {
		return ""
	}
	t.seenBase[name] = true
	return fmt.Sprintf("<attribute name=\"%s\"%s />", name, boolAttr("groupby", t.groupByCols[name]))
}

// virtualBaseColumn reports whether name is a display-name virtual column
// per the pattern {*id, statecode, statuscode, *code, *type, is*, do*,
// has*} + "name" suffix, returning the base attribute it resolves from.
func virtualBaseColumn(name string) (base string, ok bool) {
	const suffix = "name"
	if !strings.HasSuffix(name, suffix) || len(name) <= len(suffix) {
		return "", false
	}
	base = strings.TrimSuffix(name, suffix)

	switch {
	case strings.HasSuffix(base, "id"):
		return base, true
	case base == "statecode", base == "statuscode":
		return base, true
	case strings.HasSuffix(base, "code"):
		return base, true
	case strings.HasSuffix(base, "type"):
		return base, true
	case strings.HasPrefix(base, "is"), strings.HasPrefix(base, "do"), strings.HasPrefix(base, "has"):
		return base, true
	default:
		return "", false
	}
}

func collectColumnRefs(e ast.Expr) []*ast.ColumnRef {
	var out []*ast.ColumnRef
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch v := e.(type) {
		case nil:
		case *ast.ColumnRef:
			out = append(out, v)
		case *ast.UnaryExpr:
			walk(v.Operand)
		case *ast.BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case *ast.CaseExpr:
			for _, w := range v.Whens {
				walk(w.Cond)
				walk(w.Then)
			}
			walk(v.Else)
		case *ast.IIFExpr:
			walk(v.Cond)
			walk(v.Then)
			walk(v.Else)
		case *ast.CastExpr:
			walk(v.Operand)
		case *ast.FuncCall:
			for _, a := range v.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}

// emitAggregate renders an aggregate SELECT column per §4.11's emission
// rules: COUNT(*) gets the entity's conventional primary-key attribute
// name with aggregate="count"; every other form gets aggregate=<kind> on
// the referenced attribute. An alias is mandatory; one is generated if the
// query didn't supply one.
func (t *transpiler) emitAggregate(agg *ast.Aggregate, alias string) string {
	if alias == "" {
		t.autoAlias++
		alias = fmt.Sprintf("%s%d", string(agg.Kind), t.autoAlias)
	}

	if agg.Kind == ast.AggCount && agg.Star {
		pk := t.aliasTable[t.outerAlias] + "id"
		return fmt.Sprintf("<attribute name=\"%s\" aggregate=\"count\" alias=\"%s\" />", pk, alias)
	}

	col, _ := agg.Arg.(*ast.ColumnRef)
	name := "id"
	if col != nil {
		name = strings.ToLower(col.Column)
	}

	if agg.Kind == ast.AggCount && agg.Distinct {
		return fmt.Sprintf("<attribute name=\"%s\" alias=\"%s\" aggregate=\"countcolumn\" distinct=\"true\" />", name, alias)
	}

	return fmt.Sprintf("<attribute name=\"%s\" alias=\"%s\" aggregate=\"%s\" />", name, alias, string(agg.Kind))
}

// appendGroupBy marks every GROUP BY column groupby="true", adding an
// attribute element for any column not already projected in SELECT.
func (t *transpiler) appendGroupBy(b *strings.Builder, stmt *ast.SelectStatement, existingAttrs []string) {
	if len(stmt.GroupBy) == 0 {
		return
	}
	for _, g := range stmt.GroupBy {
		col, ok := g.(*ast.ColumnRef)
		if !ok {
			continue
		}
		name := strings.ToLower(col.Column)
		alreadyProjected := false
		needle := fmt.Sprintf("name=\"%s\"", name)
		for _, a := range existingAttrs {
			if strings.Contains(a, needle) {
				alreadyProjected = true
				break
			}
		}
		if alreadyProjected {
			continue
		}
		fmt.Fprintf(b, "    <attribute name=\"%s\" groupby=\"true\" />\n", name)
	}
}

// appendOrderBy renders ORDER BY items; in an aggregate query it prefers
// alias= when the ordered column matches an aggregate's alias.
func (t *transpiler) appendOrderBy(b *strings.Builder, stmt *ast.SelectStatement, isAggregate bool) {
	if len(stmt.OrderBy) == 0 {
		return
	}

	knownAliases := make(map[string]bool)
	for _, c := range stmt.Columns {
		if c.Alias != "" {
			knownAliases[strings.ToLower(c.Alias)] = true
		}
	}

	for _, item := range stmt.OrderBy {
		col, ok := item.Expr.(*ast.ColumnRef)
		if !ok {
			continue
		}
		name := strings.ToLower(col.Column)
		desc := boolAttr("descending", item.Descending)

		if isAggregate && knownAliases[name] {
			fmt.Fprintf(b, "    <order alias=\"%s\"%s />\n", name, desc)
			continue
		}
		fmt.Fprintf(b, "    <order attribute=\"%s\"%s />\n", name, desc)
	}
}

// emitFilterRoot renders the top-level WHERE expression as a <filter>
// tree, always wrapping at least one filter element even for a single
// bare condition.
func (t *transpiler) emitFilterRoot(e ast.Expr, indent int) string {
	pad := strings.Repeat("  ", indent)
	var b strings.Builder
	if bin, ok := e.(*ast.BinaryExpr); ok && (bin.Op == "AND" || bin.Op == "OR") {
		b.WriteString(t.emitFilter(bin, indent))
		return b.String()
	}
	fmt.Fprintf(&b, "%s<filter type=\"and\">\n", pad)
	b.WriteString(t.emitCondition(e, indent+1))
	fmt.Fprintf(&b, "%s</filter>\n", pad)
	return b.String()
}

func (t *transpiler) emitFilter(e ast.Expr, indent int) string {
	pad := strings.Repeat("  ", indent)
	bin, ok := e.(*ast.BinaryExpr)
	if !ok || (bin.Op != "AND" && bin.Op != "OR") {
		var b strings.Builder
		fmt.Fprintf(&b, "%s<filter type=\"and\">\n", pad)
		b.WriteString(t.emitCondition(e, indent+1))
		fmt.Fprintf(&b, "%s</filter>\n", pad)
		return b.String()
	}

	kind := "and"
	if bin.Op == "OR" {
		kind = "or"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s<filter type=\"%s\">\n", pad, kind)
	b.WriteString(t.emitFilterChild(bin.Left, kind, indent+1))
	b.WriteString(t.emitFilterChild(bin.Right, kind, indent+1))
	fmt.Fprintf(&b, "%s</filter>\n", pad)
	return b.String()
}

// emitFilterChild flattens a run of the same boolean operator into one
// filter's direct children instead of nesting a redundant filter per term.
func (t *transpiler) emitFilterChild(e ast.Expr, parentKind string, indent int) string {
	if bin, ok := e.(*ast.BinaryExpr); ok {
		childKind := ""
		switch bin.Op {
		case "AND":
			childKind = "and"
		case "OR":
			childKind = "or"
		}
		if childKind == parentKind {
			var b strings.Builder
			b.WriteString(t.emitFilterChild(bin.Left, parentKind, indent))
			b.WriteString(t.emitFilterChild(bin.Right, parentKind, indent))
			return b.String()
		}
		if childKind != "" {
			return t.emitFilter(bin, indent)
		}
	}
	return t.emitCondition(e, indent)
}

func (t *transpiler) emitCondition(e ast.Expr, indent int) string {
	pad := strings.Repeat("  ", indent)
	switch v := e.(type) {
	case *ast.BinaryExpr:
		op, ok := operatorMap[v.Op]
		if !ok {
			return ""
		}
		col, _ := v.Left.(*ast.ColumnRef)
		if col == nil {
			col, _ = v.Right.(*ast.ColumnRef)
		}
		if col == nil {
			return ""
		}
		val := literalValue(v.Right)
		return fmt.Sprintf("%s<condition attribute=\"%s\" operator=\"%s\" value=\"%s\" />\n", pad, strings.ToLower(col.Column), op, escapeXML(val))
	case *ast.LikeExpr:
		col, _ := v.Operand.(*ast.ColumnRef)
		if col == nil {
			return ""
		}
		pattern := literalValue(v.Pattern)
		op, cleanVal := likeOperator(pattern)
		if v.Not {
			op = "not-like"
		}
		return fmt.Sprintf("%s<condition attribute=\"%s\" operator=\"%s\" value=\"%s\" />\n", pad, strings.ToLower(col.Column), op, escapeXML(cleanVal))
	case *ast.IsNullExpr:
		col, _ := v.Operand.(*ast.ColumnRef)
		if col == nil {
			return ""
		}
		op := "null"
		if v.Not {
			op = "not-null"
		}
		return fmt.Sprintf("%s<condition attribute=\"%s\" operator=\"%s\" />\n", pad, strings.ToLower(col.Column), op)
	case *ast.InExpr:
		col, _ := v.Operand.(*ast.ColumnRef)
		if col == nil {
			return ""
		}
		op := "in"
		if v.Not {
			op = "not-in"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s<condition attribute=\"%s\" operator=\"%s\">\n", pad, strings.ToLower(col.Column), op)
		for _, item := range v.List {
			fmt.Fprintf(&b, "%s  <value>%s</value>\n", pad, escapeXML(literalValue(item)))
		}
		fmt.Fprintf(&b, "%s</condition>\n", pad)
		return b.String()
	case *ast.BetweenExpr:
		col, _ := v.Operand.(*ast.ColumnRef)
		if col == nil {
			return ""
		}
		op := "between"
		if v.Not {
			op = "not-between"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s<condition attribute=\"%s\" operator=\"%s\">\n", pad, strings.ToLower(col.Column), op)
		fmt.Fprintf(&b, "%s  <value>%s</value>\n", pad, escapeXML(literalValue(v.Low)))
		fmt.Fprintf(&b, "%s  <value>%s</value>\n", pad, escapeXML(literalValue(v.High)))
		fmt.Fprintf(&b, "%s</condition>\n", pad)
		return b.String()
	case *ast.UnaryExpr:
		if v.Op == "NOT" {
			return t.emitCondition(v.Operand, indent)
		}
		return ""
	default:
		return ""
	}
}

// likeOperator classifies a LIKE pattern into begins-with/ends-with/like
// per the leading/trailing '%' wildcard, stripping the wildcard from the
// emitted value.
func likeOperator(pattern string) (op, value string) {
	hasLead := strings.HasPrefix(pattern, "%")
	hasTrail := strings.HasSuffix(pattern, "%")
	switch {
	case hasLead && hasTrail:
		return "like", pattern
	case hasTrail:
		return "begins-with", strings.TrimSuffix(pattern, "%")
	case hasLead:
		return "ends-with", strings.TrimPrefix(pattern, "%")
	default:
		return "eq", pattern
	}
}

func literalValue(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.Literal:
		return v.Value
	case *ast.Variable:
		return "@" + v.Name
	default:
		return ""
	}
}

// emitLinkEntity renders one join as a <link-entity>, choosing from/to by
// matching each side of the ON clause's column to the outer table's alias
// versus this join's alias.
func (t *transpiler) emitLinkEntity(j ast.Join, indent int) string {
	pad := strings.Repeat("  ", indent)
	joinAlias := aliasOrName(j.Table)

	from, to := inferLinkColumns(j.On, joinAlias)

	var b strings.Builder
	fmt.Fprintf(&b, "%s<link-entity name=\"%s\" from=\"%s\" to=\"%s\" alias=\"%s\" link-type=\"%s\">\n",
		pad, strings.ToLower(j.Table.Name), from, to, strings.ToLower(joinAlias), linkType(j.Kind))
	if extra := extraJoinConditions(j.On); extra != nil {
		fmt.Fprintf(&b, "%s  <filter type=\"and\">\n", pad)
		for _, c := range extra {
			b.WriteString(t.emitCondition(c, indent+2))
		}
		fmt.Fprintf(&b, "%s  </filter>\n", pad)
	}
	fmt.Fprintf(&b, "%s</link-entity>\n", pad)
	return b.String()
}

func linkType(k ast.JoinKind) string {
	switch k {
	case ast.LeftJoin:
		return "outer"
	default:
		return "inner"
	}
}

// inferLinkColumns walks the ON clause's equality terms and returns the
// (join-side, outer-side) column names, i.e. the link-entity's from and to
// attributes; if the ON clause has more than one
// equality term, only the first identifies the join columns and the rest
// are treated as extra filter conditions scoped to the joined table.
func inferLinkColumns(on ast.Expr, joinAlias string) (from, to string) {
	for _, eq := range flattenAnd(on) {
		bin, ok := eq.(*ast.BinaryExpr)
		if !ok || bin.Op != "=" {
			continue
		}
		l, lok := bin.Left.(*ast.ColumnRef)
		r, rok := bin.Right.(*ast.ColumnRef)
		if !lok || !rok {
			continue
		}
		if l.Table == joinAlias {
			return strings.ToLower(l.Column), strings.ToLower(r.Column)
		}
		if r.Table == joinAlias {
			return strings.ToLower(r.Column), strings.ToLower(l.Column)
		}
	}
	return "", ""
}

func extraJoinConditions(on ast.Expr) []ast.Expr {
	eqs := flattenAnd(on)
	if len(eqs) <= 1 {
		return nil
	}
	return eqs[1:]
}

func flattenAnd(e ast.Expr) []ast.Expr {
	bin, ok := e.(*ast.BinaryExpr)
	if !ok || bin.Op != "AND" {
		return []ast.Expr{e}
	}
	return append(flattenAnd(bin.Left), flattenAnd(bin.Right)...)
}

// VirtualColumnNames returns the distinct aliases across vs, sorted, for
// deterministic test and log output.
func VirtualColumnNames(vs []VirtualColumn) []string {
	names := make([]string, 0, len(vs))
	seen := make(map[string]bool, len(vs))
	for _, v := range vs {
		if seen[v.Alias] {
			continue
		}
		seen[v.Alias] = true
		names = append(names, v.Alias)
	}
	sort.Strings(names)
	return names
}
