package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"

	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/speed"
)

func TestParseTopic(t *testing.T) {
	resourceType, id, err := parseTopic("fhir.v1.Patient.p1")
	require.NoError(t, err)
	assert.Equal(t, "Patient", resourceType)
	assert.Equal(t, "p1", id)

	resourceType, id, err = parseTopic("fhir.v1.Observation.a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "Observation", resourceType)
	assert.Equal(t, "a.b.c", id, "resource ids may contain dots")

	for _, topic := range []string{"", "fhir.v1.Patient", "umh.v1.Patient.p1", "fhir.v2.Patient.p1"} {
		_, _, err := parseTopic(topic)
		assert.Error(t, err, "topic %q must be rejected", topic)
	}
}

func TestProcessMessageStoresDocument(t *testing.T) {
	helper.InitTestLogging()
	cache := speed.New(time.Hour, nil)

	msg := &shared.KafkaMessage{
		Topic: "fhir.v1.Patient.p1",
		Value: []byte(`{"resourceType": "Patient", "id": "p1", "gender": "female"}`),
	}
	require.NoError(t, processMessage(context.Background(), cache, msg))
	assert.Equal(t, 1, cache.GetStatistics().Entries)
}

func TestProcessMessageRejectsMalformedPayload(t *testing.T) {
	helper.InitTestLogging()
	cache := speed.New(time.Hour, nil)

	msg := &shared.KafkaMessage{
		Topic: "fhir.v1.Patient.p1",
		Value: []byte(`not json`),
	}
	require.Error(t, processMessage(context.Background(), cache, msg))
	assert.Equal(t, 0, cache.GetStatistics().Entries)
}
