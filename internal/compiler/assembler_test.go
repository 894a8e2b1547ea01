package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

func TestAssembleRowAndCountQueries(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	q, err := Assemble(view, nil, 100)
	require.NoError(t, err)

	assert.Contains(t, q.RowSQL, "FROM hfj_resource r JOIN hfj_res_ver v ON v.res_id = r.res_id AND v.res_ver = r.res_ver")
	assert.Contains(t, q.RowSQL, "CROSS JOIN LATERAL jsonb_array_elements(")
	assert.Contains(t, q.RowSQL, "r.res_deleted_at IS NULL")
	assert.Contains(t, q.RowSQL, "r.res_type = $1")
	assert.Contains(t, q.RowSQL, "LIMIT $2")
	assert.Equal(t, []interface{}{"Patient", 100}, q.RowArgs)

	assert.Contains(t, q.CountSQL, "SELECT count(*)")
	assert.NotContains(t, q.CountSQL, "LIMIT")
	assert.Equal(t, []interface{}{"Patient"}, q.CountArgs)
}

func TestAssembleOuterJoinForEachOrNull(t *testing.T) {
	def := patientNamesView()
	def.Select[1].ForEachOrNull = def.Select[1].ForEach
	def.Select[1].ForEach = ""
	view, err := New().Compile(def)
	require.NoError(t, err)

	q, err := Assemble(view, nil, 10)
	require.NoError(t, err)
	assert.Contains(t, q.RowSQL, "LEFT JOIN LATERAL jsonb_array_elements(")
	assert.Contains(t, q.RowSQL, "ON TRUE")
}

func TestAssembleConstraintTranslation(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	constraints := datamodel.SearchConstraints{
		"gender":    "female",
		"name":      "Smi",
		"birthdate": "ge1970-01-01",
	}
	q, err := Assemble(view, constraints, 50)
	require.NoError(t, err)

	// sorted constraint order: birthdate, gender, name
	assert.Contains(t, q.RowSQL, ">= $2::timestamptz")
	assert.Contains(t, q.RowSQL, "= $3")
	assert.Contains(t, q.RowSQL, "LIKE lower($4)")
	assert.Equal(t, []interface{}{"Patient", "1970-01-01", "female", "Smi%", 50}, q.RowArgs)
}

func TestAssembleDateEqualityExpandsToDayRange(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	q, err := Assemble(view, datamodel.SearchConstraints{"birthdate": "1970-01-01"}, 10)
	require.NoError(t, err)
	assert.Contains(t, q.RowSQL, ">= $2::timestamptz AND")
	assert.Contains(t, q.RowSQL, "< $2::timestamptz + interval '1 day'")
	assert.Equal(t, []interface{}{"Patient", "1970-01-01", 10}, q.RowArgs)

	// an instant-precision bound compares exactly
	q, err = Assemble(view, datamodel.SearchConstraints{"birthdate": "1970-01-01T12:00:00Z"}, 10)
	require.NoError(t, err)
	assert.Contains(t, q.RowSQL, "= $2::timestamptz")
	assert.NotContains(t, q.RowSQL, "interval '1 day'")
}

func TestAssembleCodingConstraint(t *testing.T) {
	view, err := New().Compile(conditionView())
	require.NoError(t, err)

	q, err := Assemble(view, datamodel.SearchConstraints{"code": "http://snomed.info/sct|44054006"}, 10)
	require.NoError(t, err)
	assert.Contains(t, q.RowSQL, "EXISTS (SELECT 1 FROM jsonb_array_elements(")
	assert.Contains(t, q.RowSQL, "->>'system' = $2")
	assert.Contains(t, q.RowSQL, "->>'code' = $3")
	assert.Equal(t, []interface{}{"Condition", "http://snomed.info/sct", "44054006", 10}, q.RowArgs)

	q, err = Assemble(view, datamodel.SearchConstraints{"code": "44054006"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Condition", "44054006", 10}, q.RowArgs)
}

func TestAssembleUnknownConstraintFailsCompile(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	_, err = Assemble(view, datamodel.SearchConstraints{"favorite_color": "blue"}, 10)
	require.Error(t, err)
	require.True(t, datamodel.IsCompileError(err))
}

func TestAssembleDeterminism(t *testing.T) {
	constraints := datamodel.SearchConstraints{"gender": "female", "birthdate": "le2000-01-01", "name": "S"}
	build := func() *Query {
		view, err := New().Compile(patientNamesView())
		require.NoError(t, err)
		q, err := Assemble(view, constraints, 25)
		require.NoError(t, err)
		return q
	}
	a, b := build(), build()
	require.Equal(t, a.RowSQL, b.RowSQL)
	require.Equal(t, a.CountSQL, b.CountSQL)
	require.Equal(t, a.RowArgs, b.RowArgs)
}

func TestAssembleMaterializedFastPath(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	q, ok, err := AssembleMaterialized(view, "sv_patient_names", datamodel.SearchConstraints{"gender": "female"}, 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "SELECT id, gender, family, use FROM sv_patient_names WHERE gender = $1 LIMIT $2", q.RowSQL)
	assert.Equal(t, []interface{}{"female", 20}, q.RowArgs)
	assert.Equal(t, "SELECT count(*) FROM sv_patient_names WHERE gender = $1", q.CountSQL)
}

func TestAssembleMaterializedFallsBackWhenConstraintHasNoColumn(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	// birthdate is a valid Patient search parameter but not a column of this view
	_, ok, err := AssembleMaterialized(view, "sv_patient_names", datamodel.SearchConstraints{"birthdate": "ge1970-01-01"}, 20)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMaterializationSQL(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)

	sql := MaterializationSQL(view)
	assert.Contains(t, sql, "FROM hfj_resource r JOIN hfj_res_ver v")
	assert.Contains(t, sql, "r.res_type = 'Patient'")
	assert.Contains(t, sql, "CROSS JOIN LATERAL jsonb_array_elements(")
	assert.NotContains(t, sql, "$1", "a materialized view definition cannot carry parameters")
	assert.NotContains(t, sql, "LIMIT")
}

func TestAssembleRejectsNonPositiveLimit(t *testing.T) {
	view, err := New().Compile(patientNamesView())
	require.NoError(t, err)
	_, err = Assemble(view, nil, 0)
	require.Error(t, err)
}
