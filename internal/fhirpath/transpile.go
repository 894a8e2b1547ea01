package fhirpath

import (
	"fmt"
	"strings"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// Kind tells the caller what a transpiled fragment yields, so it can apply
// the right cast or predicate wrapping.
type Kind int

const (
	KindText Kind = iota
	KindBool
	KindNumber
)

// Fragment is a transpiled SQL expression.
type Fragment struct {
	SQL  string
	Kind Kind
}

// Transpiler converts parsed expressions into JSONB accessor SQL. One
// transpiler instance is used per compilation so that generated where()
// aliases are sequential and the output is deterministic.
type Transpiler struct {
	whereSeq int
}

func NewTranspiler() *Transpiler {
	return &Transpiler{}
}

// Value transpiles an expression into a scalar fragment relative to base,
// a SQL expression yielding the current JSONB document.
func (t *Transpiler) Value(expr *Expression, base string) (Fragment, error) {
	return t.value(expr.Source, expr.Steps, base)
}

func (t *Transpiler) value(source string, steps []Step, base string) (Fragment, error) {
	cur := base
	for i, s := range steps {
		switch step := s.(type) {
		case FieldStep:
			cur = fmt.Sprintf("%s->'%s'", cur, step.Name)
		case IndexStep:
			cur = fmt.Sprintf("%s->%d", cur, step.Index)
		case FunctionStep:
			switch step.Name {
			case FuncFirst:
				cur = fmt.Sprintf("%s->0", cur)
			case FuncExists:
				return Fragment{SQL: existsSQL(cur), Kind: KindBool}, nil
			case FuncEmpty:
				return Fragment{SQL: fmt.Sprintf("(NOT %s)", existsSQL(cur)), Kind: KindBool}, nil
			case FuncCount:
				return Fragment{SQL: countSQL(cur), Kind: KindNumber}, nil
			default:
				return Fragment{}, &datamodel.UnsupportedExpressionError{Expression: source, Function: string(step.Name)}
			}
		case WhereStep:
			return t.whereSubquery(source, step, steps[i+1:], cur)
		}
	}
	return Fragment{SQL: fmt.Sprintf("(%s #>> '{}')", cur), Kind: KindText}, nil
}

// whereSubquery builds the correlated subquery scanning one array level and
// returning the matching elements' sub-expression.
func (t *Transpiler) whereSubquery(source string, w WhereStep, rest []Step, arraySQL string) (Fragment, error) {
	t.whereSeq++
	alias := fmt.Sprintf("w%d", t.whereSeq)
	pred := predicateSQL(alias, w)

	// Aggregates over the filtered collection collapse into the subquery
	// itself instead of being applied to a single scalar result.
	if len(rest) == 1 {
		if fn, ok := rest[0].(FunctionStep); ok {
			switch fn.Name {
			case FuncExists:
				return Fragment{
					SQL:  fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS %s(elem) WHERE %s)", arraySQL, alias, pred),
					Kind: KindBool,
				}, nil
			case FuncEmpty:
				return Fragment{
					SQL:  fmt.Sprintf("(NOT EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS %s(elem) WHERE %s))", arraySQL, alias, pred),
					Kind: KindBool,
				}, nil
			case FuncCount:
				return Fragment{
					SQL:  fmt.Sprintf("(SELECT count(*) FROM jsonb_array_elements(%s) AS %s(elem) WHERE %s)", arraySQL, alias, pred),
					Kind: KindNumber,
				}, nil
			}
		}
	}

	inner, err := t.value(source, rest, alias+".elem")
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		SQL: fmt.Sprintf("(SELECT %s FROM jsonb_array_elements(%s) AS %s(elem) WHERE %s LIMIT 1)",
			inner.SQL, arraySQL, alias, pred),
		Kind: inner.Kind,
	}, nil
}

// Collection transpiles an expression into a JSONB array fragment, used as
// the source of a row-expansion join. Terminal aggregates are not collections.
func (t *Transpiler) Collection(expr *Expression, base string) (string, error) {
	cur := base
	for i, s := range expr.Steps {
		switch step := s.(type) {
		case FieldStep:
			cur = fmt.Sprintf("%s->'%s'", cur, step.Name)
		case IndexStep:
			cur = fmt.Sprintf("%s->%d", cur, step.Index)
		case WhereStep:
			t.whereSeq++
			alias := fmt.Sprintf("w%d", t.whereSeq)
			filtered := fmt.Sprintf("(SELECT jsonb_agg(%s.elem) FROM jsonb_array_elements(%s) AS %s(elem) WHERE %s)",
				alias, cur, alias, predicateSQL(alias, step))
			if i != len(expr.Steps)-1 {
				return "", &datamodel.CompileError{
					Detail: fmt.Sprintf("where() must be the last step of row-expansion path %q", expr.Source),
				}
			}
			return filtered, nil
		case FunctionStep:
			return "", &datamodel.CompileError{
				Detail: fmt.Sprintf("%s() is not a collection and cannot be used as a row-expansion path in %q", step.Name, expr.Source),
			}
		}
	}
	return cur, nil
}

func predicateSQL(alias string, w WhereStep) string {
	op := "="
	if w.Op == "!=" {
		op = "<>"
	}
	return fmt.Sprintf("%s.elem->>'%s' %s '%s'", alias, w.Field, op, escapeLiteral(w.Literal))
}

func existsSQL(cur string) string {
	return fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'array' THEN jsonb_array_length(%s) > 0 ELSE (%s) IS NOT NULL END)", cur, cur, cur)
}

func countSQL(cur string) string {
	return fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'array' THEN jsonb_array_length(%s) WHEN (%s) IS NULL THEN 0 ELSE 1 END)", cur, cur, cur)
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
