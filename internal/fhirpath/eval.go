package fhirpath

import (
	"strconv"
)

// Evaluate runs an expression against a decoded JSON document and returns a
// scalar result (the first element when the expression yields a collection,
// nil when it yields nothing). The speed layer uses this to produce rows of
// the same shape as the generated SQL without a database round trip.
func Evaluate(expr *Expression, doc interface{}) interface{} {
	col := evalSteps(expr.Steps, []interface{}{doc})
	if len(col) == 0 {
		return nil
	}
	return col[0]
}

// EvaluateCollection runs an expression and returns every element it yields.
func EvaluateCollection(expr *Expression, doc interface{}) []interface{} {
	return evalSteps(expr.Steps, []interface{}{doc})
}

func evalSteps(steps []Step, col []interface{}) []interface{} {
	for _, s := range steps {
		switch step := s.(type) {
		case FieldStep:
			var next []interface{}
			for _, el := range col {
				m, ok := el.(map[string]interface{})
				if !ok {
					continue
				}
				v, ok := m[step.Name]
				if !ok || v == nil {
					continue
				}
				if arr, isArr := v.([]interface{}); isArr {
					next = append(next, arr...)
				} else {
					next = append(next, v)
				}
			}
			col = next
		case IndexStep:
			if step.Index < len(col) {
				col = []interface{}{col[step.Index]}
			} else {
				col = nil
			}
		case WhereStep:
			var next []interface{}
			for _, el := range col {
				m, ok := el.(map[string]interface{})
				if !ok {
					continue
				}
				matches := ScalarString(m[step.Field]) == step.Literal
				if step.Op == "!=" {
					matches = !matches
				}
				if matches {
					next = append(next, el)
				}
			}
			col = next
		case FunctionStep:
			switch step.Name {
			case FuncExists:
				return []interface{}{len(col) > 0}
			case FuncEmpty:
				return []interface{}{len(col) == 0}
			case FuncCount:
				return []interface{}{len(col)}
			case FuncFirst:
				if len(col) > 0 {
					col = col[:1]
				}
			}
		}
	}
	return col
}

// ScalarString renders a decoded JSON scalar the way the generated SQL's
// text extraction does, so speed-layer and batch rows compare equal.
func ScalarString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
