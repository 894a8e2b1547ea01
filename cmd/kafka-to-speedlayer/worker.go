package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/speed"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// startWorker consumes update events and writes them into the speed layer.
// Messages that fail because the cache backend is unreachable stay unmarked
// and are redelivered; malformed messages are marked and dropped.
func startWorker(conn *Connection, cache *speed.Cache) {
	go func() {
		var backendFailures int64
		for msg := range conn.GetMessages() {
			if msg == nil {
				continue
			}
			err := processMessage(context.Background(), cache, msg)
			if errors.Is(err, datamodel.ErrCacheBackendUnavailable) {
				backendFailures++
				zap.S().Warnf("Speed layer unreachable, leaving %s unmarked: %s", msg.Topic, err)
				helper.SleepBackedOff(backendFailures, 50*time.Millisecond, 10*time.Second)
				continue
			}
			backendFailures = 0
			if err != nil {
				zap.S().Warnf("Dropping malformed message on %s: %s", msg.Topic, err)
			}
			conn.MarkMessage(msg)
		}
	}()
}

func processMessage(ctx context.Context, cache *speed.Cache, msg *shared.KafkaMessage) error {
	resourceType, id, err := parseTopic(msg.Topic)
	if err != nil {
		return err
	}
	var document map[string]interface{}
	if err := json.Unmarshal(msg.Value, &document); err != nil {
		return fmt.Errorf("failed to decode document for %s/%s: %w", resourceType, id, err)
	}
	return cache.Put(ctx, resourceType, id, document)
}

// parseTopic splits an update topic of the form fhir.v1.<ResourceType>.<id>.
// Resource ids may themselves contain dots.
func parseTopic(topic string) (resourceType, id string, err error) {
	parts := strings.SplitN(topic, ".", 4)
	if len(parts) != 4 || parts[0] != "fhir" || parts[1] != "v1" || parts[2] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("topic %q is not a resource update topic", topic)
	}
	return parts[2], parts[3], nil
}
