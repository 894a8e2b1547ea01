package main

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/consumer/redpanda"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type Connection struct {
	consumer *redpanda.Consumer
}

var conn *Connection
var once sync.Once

func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("kafka.GetOrInit().once")
		kafkaBrokers, err := env.GetAsString("KAFKA_BROKERS", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get KAFKA_BROKERS from env")
		}

		brokers := strings.Split(kafkaBrokers, ",")
		instanceID := rand.Int63() //nolint:gosec

		consumer, err := redpanda.NewConsumer(brokers, []string{"^fhir\\.v1\\..+$"}, "kafka-to-speedlayer", strconv.FormatInt(instanceID, 10))
		if err != nil {
			zap.S().Fatalf("Failed to create kafka client: %s", err)
		}
		conn = &Connection{
			consumer: consumer,
		}
	})
	return conn
}

func (c *Connection) GetMessages() <-chan *shared.KafkaMessage {
	return c.consumer.GetMessages()
}

func (c *Connection) MarkMessage(message *shared.KafkaMessage) {
	c.consumer.MarkMessage(message)
}

var lastMarked atomic.Uint64
var lastChangeUTCSeconds atomic.Int64

func GetLivenessCheck() healthcheck.Check {
	return func() error {
		marked, _ := GetOrInit().consumer.GetStats()
		oldValue := lastMarked.Swap(marked)
		nowUTCSeconds := time.Now().UTC().Unix()
		if oldValue < marked {
			lastChangeUTCSeconds.Store(nowUTCSeconds)
			return nil
		} else if oldValue > marked {
			return errors.New("amount of marked messages went down")
		} else {
			// Check if last change is more then 5 minutes ago
			lastChange := lastChangeUTCSeconds.Load()
			elapsedSeconds := nowUTCSeconds - lastChange
			if elapsedSeconds > 60*5 {
				return errors.New("no new kafka message in the last 5 minutes")
			}
			return nil
		}
	}
}

func GetReadinessCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().consumer.IsReady() {
			return nil
		}
		return errors.New("kafka consumer is not ready")
	}
}
