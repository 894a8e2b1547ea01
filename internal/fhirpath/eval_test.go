package fhirpath

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

const patientDoc = `{
	"resourceType": "Patient",
	"id": "p1",
	"gender": "female",
	"birthDate": "1972-03-14",
	"name": [
		{"family": "Smith", "use": "official", "given": ["Anna", "Lee"]},
		{"family": "Smythe", "use": "nickname", "given": ["Annie"]}
	],
	"managingOrganization": {"reference": "Organization/org9"}
}`

func TestEvaluateFieldChain(t *testing.T) {
	doc := decodeDoc(t, patientDoc)
	require.Equal(t, "female", Evaluate(mustParse(t, "gender"), doc))
	require.Equal(t, "Organization/org9", Evaluate(mustParse(t, "managingOrganization.reference"), doc))
	require.Nil(t, Evaluate(mustParse(t, "deceasedBoolean"), doc))
}

func TestEvaluateIndexAndFirst(t *testing.T) {
	doc := decodeDoc(t, patientDoc)
	require.Equal(t, "Smythe", Evaluate(mustParse(t, "name[1].family"), doc))
	require.Equal(t, "Anna", Evaluate(mustParse(t, "name[0].given.first()"), doc))
}

func TestEvaluateWhere(t *testing.T) {
	doc := decodeDoc(t, patientDoc)
	require.Equal(t, "Smith", Evaluate(mustParse(t, "name.where(use='official').family"), doc))
	require.Equal(t, "Smythe", Evaluate(mustParse(t, "name.where(use!='official').family"), doc))
	require.Nil(t, Evaluate(mustParse(t, "name.where(use='maiden').family"), doc))
}

func TestEvaluateAggregates(t *testing.T) {
	doc := decodeDoc(t, patientDoc)
	require.Equal(t, true, Evaluate(mustParse(t, "name.exists()"), doc))
	require.Equal(t, false, Evaluate(mustParse(t, "link.exists()"), doc))
	require.Equal(t, true, Evaluate(mustParse(t, "link.empty()"), doc))
	require.Equal(t, 2, Evaluate(mustParse(t, "name.count()"), doc))
	require.Equal(t, 3, Evaluate(mustParse(t, "name.given.count()"), doc))
}

func TestEvaluateCollectionFlattens(t *testing.T) {
	doc := decodeDoc(t, patientDoc)
	col := EvaluateCollection(mustParse(t, "name.given"), doc)
	require.Equal(t, []interface{}{"Anna", "Lee", "Annie"}, col)
}

func TestScalarString(t *testing.T) {
	require.Equal(t, "true", ScalarString(true))
	require.Equal(t, "42", ScalarString(float64(42)))
	require.Equal(t, "3.5", ScalarString(3.5))
	require.Equal(t, "x", ScalarString("x"))
	require.Equal(t, "", ScalarString(nil))
}
