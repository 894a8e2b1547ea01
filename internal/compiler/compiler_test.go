package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

func patientNamesView() *viewdef.ViewDefinition {
	return &viewdef.ViewDefinition{
		Name:     "PatientNames",
		Resource: "Patient",
		Select: []viewdef.SelectNode{
			{
				Column: []datamodel.Column{
					{Name: "id", Path: "id"},
					{Name: "gender", Path: "gender"},
				},
			},
			{
				ForEach: "name",
				Column: []datamodel.Column{
					{Name: "family", Path: "family"},
					{Name: "use", Path: "use"},
				},
			},
		},
	}
}

func conditionView() *viewdef.ViewDefinition {
	return &viewdef.ViewDefinition{
		Name:     "ConditionSummary",
		Resource: "Condition",
		Select: []viewdef.SelectNode{
			{
				Column: []datamodel.Column{
					{Name: "id", Path: "id"},
					{Name: "patient_ref", Path: "subject.reference"},
				},
			},
		},
	}
}

func TestCompileOrderedColumnsAndExpansions(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	require.Equal(t, []string{"id", "gender", "family", "use"}, view.ColumnNames())
	require.Len(t, view.Expansions, 1)
	assert.Equal(t, ModeEach, view.Expansions[0].Mode)
	assert.Equal(t, "u1", view.Expansions[0].Alias)
	assert.Equal(t, -1, view.Expansions[0].Parent)
	assert.Equal(t, -1, view.Columns[0].Expansion)
	assert.Equal(t, 0, view.Columns[2].Expansion)
}

func TestCompileNestedExpansionParents(t *testing.T) {
	def := &viewdef.ViewDefinition{
		Name:     "PatientNameGivens",
		Resource: "Patient",
		Select: []viewdef.SelectNode{
			{
				Column:  []datamodel.Column{{Name: "id", Path: "id"}},
				ForEach: "name",
				Select: []viewdef.SelectNode{
					{
						ForEachOrNull: "given",
						Column:        []datamodel.Column{{Name: "given_name", Path: "value"}},
					},
				},
			},
		},
	}
	view, err := New().Compile(def)
	require.NoError(t, err)
	require.Len(t, view.Expansions, 2)
	assert.Equal(t, -1, view.Expansions[0].Parent)
	assert.Equal(t, 0, view.Expansions[1].Parent)
	assert.Equal(t, ModeEachOrNull, view.Expansions[1].Mode)
	// the id column sits inside the first expansion block
	assert.Equal(t, 0, view.Columns[0].Expansion)
}

func TestCompileEmitsReferenceIdentifierPair(t *testing.T) {
	view, err := New().Compile(conditionView())
	require.NoError(t, err)

	require.Equal(t, []string{"id", "patient_ref", "patient_ref_id"}, view.ColumnNames())
	derived := view.Columns[2]
	assert.Equal(t, "patient_ref", derived.FromReference)
	assert.Contains(t, derived.SQL, "substring(")
	assert.Equal(t, datamodel.TypeString, view.Schema["patient_ref_id"])
}

func TestCompileCollectsFiltersIntoConjunction(t *testing.T) {
	def := patientNamesView()
	def.Where = []viewdef.WhereClause{
		{Path: "active.exists()"},
		{Path: "gender"},
	}
	view, err := New().Compile(def)
	require.NoError(t, err)
	require.Len(t, view.FilterSQL, 2)
	assert.Contains(t, view.FilterSQL[1], "::boolean", "non-boolean filter fragments get coerced")
}

func TestCompileUnsupportedFunctionFailsBeforeAssembly(t *testing.T) {
	def := patientNamesView()
	def.Select[0].Column[1] = datamodel.Column{Name: "marital", Path: "maritalStatus.distinct()"}
	_, err := New().Compile(def)
	require.Error(t, err)
	var ue *datamodel.UnsupportedExpressionError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "distinct", ue.Function)
}

func TestCompileIsCachedAndDeterministic(t *testing.T) {
	c := New()
	first, err := c.Compile(patientNamesView())
	require.NoError(t, err)
	second, err := c.Compile(patientNamesView())
	require.NoError(t, err)
	assert.Same(t, first, second, "second compile comes from the cache")

	// two independent compilers must still agree byte for byte
	other, err := New().Compile(patientNamesView())
	require.NoError(t, err)
	for i := range first.Columns {
		assert.Equal(t, first.Columns[i].SQL, other.Columns[i].SQL)
	}
}

func TestCompileRejectsDerivedNameCollision(t *testing.T) {
	def := conditionView()
	def.Select[0].Column = append(def.Select[0].Column,
		datamodel.Column{Name: "patient_ref_id", Path: "id"})
	_, err := New().Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}
