package batch

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/rescache"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

func testRegistry(t *testing.T) *viewdef.Registry {
	t.Helper()
	r := viewdef.NewRegistry()
	require.NoError(t, r.Register(&viewdef.ViewDefinition{
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
	}))
	return r
}

func CreateMockRunner(t *testing.T) (*Runner, pgxmock.PgxPoolIface) {
	t.Helper()
	helper.InitTestLogging()

	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	runner := NewRunner(mocked, testRegistry(t), rescache.New(time.Minute, time.Hour, nil))
	return runner, mocked
}

func TestCreateMockRunner(t *testing.T) {
	runner, mock := CreateMockRunner(t)
	defer mock.Close()
	require.NotNil(t, runner)
	require.NotNil(t, runner.Db)
}
