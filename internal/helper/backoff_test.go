package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetBackoffTime(t *testing.T) {
	assert.Zero(t, GetBackoffTime(0, time.Millisecond, time.Second))
	assert.Zero(t, GetBackoffTime(5, 0, time.Second))

	for retries := int64(1); retries < 20; retries++ {
		backoff := GetBackoffTime(retries, time.Millisecond, time.Second)
		assert.GreaterOrEqual(t, backoff, time.Duration(0))
		assert.LessOrEqual(t, backoff, time.Second)
	}

	// large retry counts converge to the cap
	assert.Equal(t, time.Second, GetBackoffTime(64, time.Millisecond, time.Second))
}
