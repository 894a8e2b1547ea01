package rescache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

func TestKeyIsOrderInsensitive(t *testing.T) {
	a := Key("PatientNames", datamodel.SearchConstraints{"gender": "female", "name": "S"}, 10)
	b := Key("PatientNames", datamodel.SearchConstraints{"name": "S", "gender": "female"}, 10)
	require.Equal(t, a, b)

	assert.NotEqual(t, a, Key("PatientNames", datamodel.SearchConstraints{"gender": "female", "name": "S"}, 20))
	assert.NotEqual(t, a, Key("OtherView", datamodel.SearchConstraints{"gender": "female", "name": "S"}, 10))
}

func TestGetSetRoundTrip(t *testing.T) {
	c := New(time.Minute, time.Hour, nil)
	ctx := context.Background()
	key := Key("PatientNames", nil, 10)

	_, cached := c.GetRows(ctx, key)
	require.False(t, cached)

	rows := []datamodel.ResultRow{{"id": "p1", "gender": "female"}}
	c.SetRows(ctx, key, rows)

	got, cached := c.GetRows(ctx, key)
	require.True(t, cached)
	require.Equal(t, rows, got)

	stats := c.Statistics()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestTTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, time.Hour, nil)
	ctx := context.Background()
	key := Key("PatientNames", nil, 10)

	c.SetRows(ctx, key, []datamodel.ResultRow{{"id": "p1"}})
	_, cached := c.GetRows(ctx, key)
	require.True(t, cached)

	time.Sleep(40 * time.Millisecond)
	_, cached = c.GetRows(ctx, key)
	require.False(t, cached, "entry must expire after its TTL")
}

func TestFlush(t *testing.T) {
	c := New(time.Minute, time.Hour, nil)
	ctx := context.Background()
	key := Key("PatientNames", nil, 10)

	c.SetRows(ctx, key, []datamodel.ResultRow{{"id": "p1"}})
	c.Flush(ctx)

	_, cached := c.GetRows(ctx, key)
	require.False(t, cached)
	assert.Equal(t, uint64(1), c.Statistics().Flushes)
}
