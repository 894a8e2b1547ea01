package fhirpath

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleField(t *testing.T) {
	expr, err := Parse("gender")
	require.NoError(t, err)
	assert.Equal(t, len(expr.Steps), 1)
	assert.Equal(t, expr.Steps[0], Step(FieldStep{Name: "gender"}))
}

func TestParseNestedFieldsAndIndex(t *testing.T) {
	expr, err := Parse("name[0].family")
	require.NoError(t, err)
	assert.Equal(t, len(expr.Steps), 3)
	assert.Equal(t, expr.Steps[0], Step(FieldStep{Name: "name"}))
	assert.Equal(t, expr.Steps[1], Step(IndexStep{Index: 0}))
	assert.Equal(t, expr.Steps[2], Step(FieldStep{Name: "family"}))
}

func TestParseWherePredicate(t *testing.T) {
	expr, err := Parse("name.where(use='official').family")
	require.NoError(t, err)
	require.Len(t, expr.Steps, 3)
	assert.Equal(t, expr.Steps[1], Step(WhereStep{Field: "use", Op: "=", Literal: "official"}))
}

func TestParseWhereNotEquals(t *testing.T) {
	expr, err := Parse("telecom.where(system!='fax').value")
	require.NoError(t, err)
	assert.Equal(t, expr.Steps[1], Step(WhereStep{Field: "system", Op: "!=", Literal: "fax"}))
}

func TestParseTerminalFunctions(t *testing.T) {
	for _, tc := range []struct {
		src string
		fn  FunctionName
	}{
		{"name.exists()", FuncExists},
		{"name.count()", FuncCount},
		{"name.empty()", FuncEmpty},
		{"name.first()", FuncFirst},
	} {
		t.Run(tc.src, func(t *testing.T) {
			expr, err := Parse(tc.src)
			require.NoError(t, err)
			assert.Equal(t, expr.Steps[len(expr.Steps)-1], Step(FunctionStep{Name: tc.fn}))
		})
	}
}

func TestParseUnsupportedFunctionFailsNamingIt(t *testing.T) {
	_, err := Parse("name.distinct()")
	require.Error(t, err)
	var ue *datamodel.UnsupportedExpressionError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "distinct", ue.Function)
	require.Contains(t, err.Error(), "distinct")
}

func TestParseRejectsMalformedExpressions(t *testing.T) {
	for _, src := range []string{
		"",
		".",
		"name..family",
		"name.where(use='official'",
		"name[x]",
		"name.exists().family",
		"1name",
		"name.where(use)",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
		})
	}
}

func TestTargetsReference(t *testing.T) {
	expr, err := Parse("subject.reference")
	require.NoError(t, err)
	require.True(t, expr.TargetsReference())

	expr, err = Parse("subject.display")
	require.NoError(t, err)
	require.False(t, expr.TargetsReference())
}
