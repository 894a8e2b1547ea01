package speed

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

const observationDoc = `{
	"resourceType": "Observation",
	"id": "o1",
	"status": "final",
	"effectiveDateTime": "2026-08-30T10:00:00Z",
	"subject": {"reference": "Patient/p1"},
	"code": {"coding": [
		{"system": "http://loinc.org", "code": "8867-4"},
		{"system": "http://snomed.info/sct", "code": "364075005"}
	]}
}`

func observationView(t *testing.T) *compiler.View {
	t.Helper()
	helper.InitTestLogging()
	view, err := compiler.New().Compile(&viewdef.ViewDefinition{
		Name:     "ObservationCodes",
		Resource: "Observation",
		Select: []viewdef.SelectNode{
			{
				Column: []datamodel.Column{
					{Name: "id", Path: "id"},
					{Name: "status", Path: "status"},
					{Name: "subject", Path: "subject.reference"},
				},
			},
			{
				ForEachOrNull: "code.coding",
				Column: []datamodel.Column{
					{Name: "code", Path: "code"},
					{Name: "system", Path: "system"},
				},
			},
		},
	})
	require.NoError(t, err)
	return view
}

func decodeDoc(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestPutAndScanProducesRows(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2, "one row per coding element")

	assert.Equal(t, "o1", rows[0]["id"])
	assert.Equal(t, "final", rows[0]["status"])
	assert.Equal(t, "Patient/p1", rows[0]["subject"])
	assert.Equal(t, "p1", rows[0]["subject_id"], "reference columns carry the extracted identifier")
	assert.Equal(t, "8867-4", rows[0]["code"])
	assert.Equal(t, "http://loinc.org", rows[0]["system"])
	assert.Equal(t, "364075005", rows[1]["code"])
}

func TestScanRespectsSince(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(time.Minute), nil, 100)
	require.NoError(t, err)
	assert.Empty(t, rows, "documents older than the window are not returned")
}

func TestScanAppliesConstraints(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))
	since := time.Now().Add(-time.Minute)

	cases := []struct {
		name        string
		constraints datamodel.SearchConstraints
		matches     bool
	}{
		{"token equality", datamodel.SearchConstraints{"status": "final"}, true},
		{"token mismatch", datamodel.SearchConstraints{"status": "amended"}, false},
		{"bare code", datamodel.SearchConstraints{"code": "8867-4"}, true},
		{"qualified code", datamodel.SearchConstraints{"code": "http://loinc.org|8867-4"}, true},
		{"wrong system", datamodel.SearchConstraints{"code": "http://snomed.info/sct|8867-4"}, false},
		{"date lower bound", datamodel.SearchConstraints{"date": "ge2026-08-30"}, true},
		{"date upper bound", datamodel.SearchConstraints{"date": "lt2026-08-30"}, false},
		{"reference token", datamodel.SearchConstraints{"patient": "Patient/p1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := c.ScanRecent(ctx, view, since, tc.constraints, 100)
			require.NoError(t, err)
			if tc.matches {
				assert.NotEmpty(t, rows)
			} else {
				assert.Empty(t, rows)
			}
		})
	}
}

func TestScanRejectsUnknownConstraint(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))

	_, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), datamodel.SearchConstraints{"bogus": "x"}, 100)
	require.Error(t, err)
	assert.True(t, datamodel.IsCompileError(err))
}

func TestScanExpandsEachOrNullToNull(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	doc := decodeDoc(t, observationDoc)
	delete(doc, "code")
	require.NoError(t, c.Put(ctx, "Observation", "o1", doc))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1, "an absent array still yields the base row")
	assert.Equal(t, "o1", rows[0]["id"])
	assert.Nil(t, rows[0]["code"])
	assert.Nil(t, rows[0]["system"])
}

func TestScanAppliesViewFilters(t *testing.T) {
	helper.InitTestLogging()
	view, err := compiler.New().Compile(&viewdef.ViewDefinition{
		Name:     "FinalObservations",
		Resource: "Observation",
		Select: []viewdef.SelectNode{
			{Column: []datamodel.Column{{Name: "id", Path: "id"}}},
		},
		Where: []viewdef.WhereClause{{Path: "subject.exists()"}},
	})
	require.NoError(t, err)

	c := New(time.Hour, nil)
	ctx := context.Background()

	withSubject := decodeDoc(t, observationDoc)
	withoutSubject := decodeDoc(t, observationDoc)
	withoutSubject["id"] = "o2"
	delete(withoutSubject, "subject")
	require.NoError(t, c.Put(ctx, "Observation", "o1", withSubject))
	require.NoError(t, c.Put(ctx, "Observation", "o2", withoutSubject))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0]["id"])
}

func TestPutReplacesEarlierVersion(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	first := decodeDoc(t, observationDoc)
	require.NoError(t, c.Put(ctx, "Observation", "o1", first))

	second := decodeDoc(t, observationDoc)
	second["status"] = "amended"
	require.NoError(t, c.Put(ctx, "Observation", "o1", second))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 100)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "amended", rows[0]["status"])
	assert.Equal(t, 1, c.GetStatistics().Entries)
}

func TestScanHonorsLimit(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()
	view := observationView(t)

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))

	rows, err := c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = c.ScanRecent(ctx, view, time.Now().Add(-time.Minute), nil, 0)
	require.Error(t, err)
}

func TestFlushAndPing(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "Observation", "o1", decodeDoc(t, observationDoc)))
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.GetStatistics().Entries)
	assert.NoError(t, c.Ping(ctx), "a memory-only layer is always reachable")
}

func TestPutRejectsEmptyIdentity(t *testing.T) {
	c := New(time.Hour, nil)
	assert.Error(t, c.Put(context.Background(), "", "o1", nil))
	assert.Error(t, c.Put(context.Background(), "Observation", "", nil))
}

func TestMatchesDate(t *testing.T) {
	cases := []struct {
		actual, value string
		want          bool
	}{
		{"2026-08-30T10:00:00Z", "ge2026-08-30", true},
		{"2026-08-30T10:00:00Z", "gt2026-08-30", true},
		{"2026-08-30", "gt2026-08-30", false},
		{"2026-08-29", "le2026-08-30", true},
		{"2026-08-31", "le2026-08-30", false},
		{"2026-08-30T10:00:00Z", "2026-08-30", true},
		{"2026-08-31T00:00:00Z", "2026-08-30", false},
		{"2026-08-30T10:00:00Z", "2026-08-30T10:00:00Z", true},
		{"2026-08-30T10:00:00Z", "2026-08-30T11:00:00Z", false},
		{"2026-08-30", "2026-08-30T10:00:00Z", false},
		{"", "ge2026-08-30", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchesDate(tc.actual, tc.value), "%s vs %s", tc.actual, tc.value)
	}
}
