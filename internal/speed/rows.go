package speed

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/fhirpath"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// Matches the SQL-side substring pattern used for derived identifier columns.
var referencePattern = regexp.MustCompile(`^[A-Za-z]+/(.+)$`)

func sortDocuments(docs []CachedDocument) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].InsertedAt.Equal(docs[j].InsertedAt) {
			return docs[i].InsertedAt.After(docs[j].InsertedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

// produceRows evaluates the compiled columns against one document, expanding
// the same row-expansion joins the generated SQL would. Contexts hold the base
// document at slot 0 and each expansion's current element after it.
func produceRows(view *compiler.View, doc map[string]interface{}) []datamodel.ResultRow {
	base := make([]interface{}, len(view.Expansions)+1)
	base[0] = doc
	contexts := [][]interface{}{base}

	for i, exp := range view.Expansions {
		var next [][]interface{}
		for _, ctx := range contexts {
			parent := ctx[exp.Parent+1]
			var elements []interface{}
			if parent != nil {
				elements = fhirpath.EvaluateCollection(exp.Expr, parent)
			}
			if len(elements) == 0 {
				if exp.Mode != compiler.ModeEachOrNull {
					continue
				}
				elements = []interface{}{nil}
			}
			for _, el := range elements {
				expanded := make([]interface{}, len(ctx))
				copy(expanded, ctx)
				expanded[i+1] = el
				next = append(next, expanded)
			}
		}
		contexts = next
	}

	rows := make([]datamodel.ResultRow, 0, len(contexts))
	for _, ctx := range contexts {
		row := make(datamodel.ResultRow, len(view.Columns))
		for _, col := range view.Columns {
			row[col.Name] = renderColumn(col, ctx[col.Expansion+1])
		}
		rows = append(rows, row)
	}
	return rows
}

// renderColumn evaluates one column against its expansion element and renders
// the value the way the SQL text extraction would, so speed rows and batch
// rows compare equal.
func renderColumn(col compiler.Column, base interface{}) interface{} {
	if base == nil {
		return nil
	}
	value := fhirpath.Evaluate(col.Expr, base)
	if value == nil {
		return nil
	}
	if col.FromReference != "" {
		ref, ok := value.(string)
		if !ok {
			return nil
		}
		m := referencePattern.FindStringSubmatch(ref)
		if m == nil {
			return nil
		}
		return m[1]
	}

	switch col.Type {
	case datamodel.TypeNumber:
		switch v := value.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return nil
	case datamodel.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
		return nil
	default:
		// string and date columns carry the extracted text
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return nil
		}
		return fhirpath.ScalarString(value)
	}
}

func matchesFilters(view *compiler.View, doc map[string]interface{}) bool {
	for _, expr := range view.FilterExprs {
		switch v := fhirpath.Evaluate(expr, doc).(type) {
		case bool:
			if !v {
				return false
			}
		case string:
			if v != "true" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// matchesConstraints applies caller constraints to a decoded document with the
// same semantics the query assembler compiles into SQL.
func matchesConstraints(resource string, doc map[string]interface{}, constraints datamodel.SearchConstraints) (bool, error) {
	keys := maps.Keys(constraints)
	slices.Sort(keys)
	for _, name := range keys {
		sp, err := catalog.LookupSearchParam(resource, name)
		if err != nil {
			return false, err
		}
		expr, err := fhirpath.Parse(sp.Path)
		if err != nil {
			return false, err
		}
		value := constraints[name]

		if sp.Coding {
			if !matchesCoding(expr, doc, value) {
				return false, nil
			}
			continue
		}

		actual := fhirpath.ScalarString(fhirpath.Evaluate(expr, doc))
		switch sp.Type {
		case catalog.ParamString:
			if !strings.HasPrefix(strings.ToLower(actual), strings.ToLower(value)) {
				return false, nil
			}
		case catalog.ParamDate:
			if !matchesDate(actual, value) {
				return false, nil
			}
		default:
			_, code, _ := compiler.SplitToken(value)
			if actual != code {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchesCoding(expr *fhirpath.Expression, doc map[string]interface{}, value string) bool {
	system, code, qualified := compiler.SplitToken(value)
	for _, el := range fhirpath.EvaluateCollection(expr, doc) {
		coding, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		if fhirpath.ScalarString(coding["code"]) != code {
			continue
		}
		if qualified && fhirpath.ScalarString(coding["system"]) != system {
			continue
		}
		return true
	}
	return false
}

// matchesDate compares ISO-8601 values lexicographically, which orders
// correctly across precisions. A day-precision equality bound matches any
// instant within the day, mirroring the day-range predicate the assembler
// compiles for the same constraint.
func matchesDate(actual, value string) bool {
	if actual == "" {
		return false
	}
	op, bound := compiler.DateBound(value)
	switch op {
	case ">=":
		return actual >= bound
	case "<=":
		return actual <= bound
	case ">":
		return actual > bound
	case "<":
		return actual < bound
	default:
		if compiler.DayPrecision(bound) {
			return strings.HasPrefix(actual, bound)
		}
		return actual == bound
	}
}
