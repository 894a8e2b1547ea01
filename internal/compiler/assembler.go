package compiler

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/fhirpath"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// Query is a fully assembled, executable statement pair. Constraint values
// are bound parameters, never interpolated into the statement text.
type Query struct {
	RowSQL    string
	CountSQL  string
	RowArgs   []interface{}
	CountArgs []interface{}
}

// Assemble combines a compiled view with caller constraints into the row and
// count statements against the live document tables.
func Assemble(view *View, constraints datamodel.SearchConstraints, limit int) (*Query, error) {
	if limit <= 0 {
		return nil, &datamodel.CompileError{View: view.Definition.Name, Detail: "row limit must be positive"}
	}
	shape := catalog.DefaultShape

	where := []string{
		fmt.Sprintf("r.%s IS NULL", shape.DeletedColumn),
		fmt.Sprintf("r.%s = $1", shape.TypeColumn),
	}
	args := []interface{}{view.Resource}
	where = append(where, view.FilterSQL...)

	cb := &constraintBuilder{resource: view.Resource, argOffset: len(args)}
	basePayload := fmt.Sprintf("v.%s::jsonb", shape.PayloadColumn)
	predicates, constraintArgs, err := cb.build(constraints, basePayload)
	if err != nil {
		return nil, err
	}
	where = append(where, predicates...)
	args = append(args, constraintArgs...)

	body := fmt.Sprintf("%s WHERE %s", fromClause(view), strings.Join(where, " AND "))
	countSQL := fmt.Sprintf("SELECT count(*) %s", body)
	countArgs := make([]interface{}, len(args))
	copy(countArgs, args)

	rowArgs := append(args, limit)
	rowSQL := fmt.Sprintf("SELECT %s %s LIMIT $%d", strings.Join(selectList(view), ", "), body, len(rowArgs))

	return &Query{RowSQL: rowSQL, CountSQL: countSQL, RowArgs: rowArgs, CountArgs: countArgs}, nil
}

// MaterializationSQL renders the parameterless SELECT that defines a view's
// materialized backing. The resource type comes from the static catalog, so
// inlining it as a literal is safe.
func MaterializationSQL(view *View) string {
	shape := catalog.DefaultShape
	where := []string{
		fmt.Sprintf("r.%s IS NULL", shape.DeletedColumn),
		fmt.Sprintf("r.%s = '%s'", shape.TypeColumn, view.Resource),
	}
	where = append(where, view.FilterSQL...)
	return fmt.Sprintf("SELECT %s %s WHERE %s",
		strings.Join(selectList(view), ", "), fromClause(view), strings.Join(where, " AND "))
}

func selectList(view *View) []string {
	list := make([]string, 0, len(view.Columns))
	for _, col := range view.Columns {
		list = append(list, fmt.Sprintf("%s AS %s", col.SQL, col.Name))
	}
	return list
}

func fromClause(view *View) string {
	shape := catalog.DefaultShape
	var from strings.Builder
	fmt.Fprintf(&from, "FROM %s r JOIN %s v ON v.%s = r.%s AND v.%s = r.%s",
		shape.ResourceTable, shape.PayloadTable,
		shape.IDColumn, shape.IDColumn,
		shape.VersionColumn, shape.VersionColumn)
	for _, exp := range view.Expansions {
		elements := fmt.Sprintf("jsonb_array_elements(coalesce(%s, '[]'::jsonb))", exp.SourceSQL)
		switch exp.Mode {
		case ModeEachOrNull:
			fmt.Fprintf(&from, " LEFT JOIN LATERAL %s AS %s(elem) ON TRUE", elements, exp.Alias)
		default:
			fmt.Fprintf(&from, " CROSS JOIN LATERAL %s AS %s(elem)", elements, exp.Alias)
		}
	}
	return from.String()
}

// AssembleMaterialized builds the fast-path statements against an existing
// materialized view. It reports ok=false when a constraint has no matching
// view column, in which case the caller must fall back to the live tables.
func AssembleMaterialized(view *View, matView string, constraints datamodel.SearchConstraints, limit int) (*Query, bool, error) {
	if limit <= 0 {
		return nil, false, &datamodel.CompileError{View: view.Definition.Name, Detail: "row limit must be positive"}
	}
	keys := maps.Keys(constraints)
	slices.Sort(keys)

	var where []string
	var args []interface{}
	for _, name := range keys {
		if _, ok := view.Schema[name]; !ok {
			return nil, false, nil
		}
		sp, err := catalog.LookupSearchParam(view.Resource, name)
		if err != nil {
			return nil, false, err
		}
		value := constraints[name]
		arg := len(args) + 1
		switch sp.Type {
		case catalog.ParamString:
			where = append(where, fmt.Sprintf("lower(%s) LIKE lower($%d)", name, arg))
			args = append(args, likePrefix(value))
		case catalog.ParamDate:
			op, bound := DateBound(value)
			where = append(where, datePredicate(fmt.Sprintf("(%s)::timestamptz", name), op, bound, arg))
			args = append(args, bound)
		default:
			where = append(where, fmt.Sprintf("%s = $%d", name, arg))
			args = append(args, tokenCode(value))
		}
	}

	body := fmt.Sprintf("FROM %s", matView)
	if len(where) > 0 {
		body = fmt.Sprintf("%s WHERE %s", body, strings.Join(where, " AND "))
	}
	countSQL := fmt.Sprintf("SELECT count(*) %s", body)
	countArgs := make([]interface{}, len(args))
	copy(countArgs, args)

	rowArgs := append(args, limit)
	rowSQL := fmt.Sprintf("SELECT %s %s LIMIT $%d",
		strings.Join(view.ColumnNames(), ", "), body, len(rowArgs))

	return &Query{RowSQL: rowSQL, CountSQL: countSQL, RowArgs: rowArgs, CountArgs: countArgs}, true, nil
}

type constraintBuilder struct {
	resource  string
	argOffset int
	codingSeq int
}

// build translates caller constraints into predicates over the same JSONB
// accessor fragments the column list uses. Keys are processed in sorted order
// so the generated statement is deterministic.
func (b *constraintBuilder) build(constraints datamodel.SearchConstraints, basePayload string) ([]string, []interface{}, error) {
	keys := maps.Keys(constraints)
	slices.Sort(keys)

	var predicates []string
	var args []interface{}
	tr := fhirpath.NewTranspiler()
	for _, name := range keys {
		sp, err := catalog.LookupSearchParam(b.resource, name)
		if err != nil {
			return nil, nil, err
		}
		value := constraints[name]
		expr, err := fhirpath.Parse(sp.Path)
		if err != nil {
			return nil, nil, err
		}

		if sp.Coding {
			pred, codingArgs, err := b.codingPredicate(tr, expr, value, basePayload, len(args))
			if err != nil {
				return nil, nil, err
			}
			predicates = append(predicates, pred)
			args = append(args, codingArgs...)
			continue
		}

		frag, err := tr.Value(expr, basePayload)
		if err != nil {
			return nil, nil, err
		}
		arg := b.argOffset + len(args) + 1
		switch sp.Type {
		case catalog.ParamString:
			predicates = append(predicates, fmt.Sprintf("lower(%s) LIKE lower($%d)", frag.SQL, arg))
			args = append(args, likePrefix(value))
		case catalog.ParamDate:
			op, bound := DateBound(value)
			predicates = append(predicates, datePredicate(fmt.Sprintf("(%s)::timestamptz", frag.SQL), op, bound, arg))
			args = append(args, bound)
		default:
			predicates = append(predicates, fmt.Sprintf("%s = $%d", frag.SQL, arg))
			args = append(args, tokenCode(value))
		}
	}
	return predicates, args, nil
}

// codingPredicate scans a coding array for a matching code, and system when
// the value is system|code qualified.
func (b *constraintBuilder) codingPredicate(tr *fhirpath.Transpiler, expr *fhirpath.Expression, value, basePayload string, argsSoFar int) (string, []interface{}, error) {
	source, err := tr.Collection(expr, basePayload)
	if err != nil {
		return "", nil, err
	}
	b.codingSeq++
	alias := fmt.Sprintf("c%d", b.codingSeq)

	system, code, qualified := SplitToken(value)
	arg := b.argOffset + argsSoFar + 1
	if qualified {
		pred := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(%s, '[]'::jsonb)) AS %s(elem) WHERE %s.elem->>'system' = $%d AND %s.elem->>'code' = $%d)",
			source, alias, alias, arg, alias, arg+1)
		return pred, []interface{}{system, code}, nil
	}
	pred := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(%s, '[]'::jsonb)) AS %s(elem) WHERE %s.elem->>'code' = $%d)",
		source, alias, alias, arg)
	return pred, []interface{}{code}, nil
}

// SplitToken splits an optionally system-qualified token value. The speed
// layer shares it so both paths agree on token semantics.
func SplitToken(value string) (system, code string, qualified bool) {
	if i := strings.IndexByte(value, '|'); i >= 0 {
		return value[:i], value[i+1:], true
	}
	return "", value, false
}

// tokenCode strips an optional system qualifier from a plain token value.
func tokenCode(value string) string {
	_, code, _ := SplitToken(value)
	return code
}

func likePrefix(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
	return escaped + "%"
}

// DayPrecision reports whether a date bound carries no time component. An
// equality constraint at day precision matches every instant within the day.
func DayPrecision(bound string) bool {
	return !strings.Contains(bound, "T")
}

// datePredicate renders one date comparison. Day-precision equality expands
// into the day's range; the speed layer applies the same rule in-process.
func datePredicate(lhs, op, bound string, arg int) string {
	if op == "=" && DayPrecision(bound) {
		return fmt.Sprintf("%s >= $%d::timestamptz AND %s < $%d::timestamptz + interval '1 day'",
			lhs, arg, lhs, arg)
	}
	return fmt.Sprintf("%s %s $%d::timestamptz", lhs, op, arg)
}

// DateBound maps a FHIR-style comparison-prefixed date value to an operator
// and the bare bound.
func DateBound(value string) (op, bound string) {
	switch {
	case strings.HasPrefix(value, "ge"):
		return ">=", value[2:]
	case strings.HasPrefix(value, "le"):
		return "<=", value[2:]
	case strings.HasPrefix(value, "gt"):
		return ">", value[2:]
	case strings.HasPrefix(value, "lt"):
		return "<", value[2:]
	default:
		return "=", value
	}
}
