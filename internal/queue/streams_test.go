package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/docflow/internal/domain"
)

// Redis hands every stream field back as a string.
func asRedisValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = fmt.Sprint(value)
	}
	return out
}

func TestStreamMessageSurvivesRedisEncoding(t *testing.T) {
	requestedAt := time.Date(2026, 3, 4, 10, 30, 0, 123456789, time.UTC)
	message := domain.TaskMessage{
		Task:        domain.TaskWorkflowStep,
		WorkflowID:  12,
		StepID:      "extract",
		Attempt:     2,
		RequestedAt: requestedAt,
	}

	parsed, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: asRedisValues(streamValues(message))})
	require.NoError(t, err)
	assert.Equal(t, message.Task, parsed.Task)
	assert.Equal(t, int64(12), parsed.WorkflowID)
	assert.Zero(t, parsed.JobID)
	assert.Equal(t, "extract", parsed.StepID)
	assert.Equal(t, 2, parsed.Attempt)
	assert.True(t, requestedAt.Equal(parsed.RequestedAt))
}

func TestParseStreamMessageRejectsBrokenFields(t *testing.T) {
	valid := asRedisValues(streamValues(domain.TaskMessage{Task: domain.TaskJob, JobID: 5, RequestedAt: time.Now().UTC()}))

	missing := make(map[string]any, len(valid))
	for key, value := range valid {
		if key != "attempt" {
			missing[key] = value
		}
	}
	_, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: missing})
	assert.EqualError(t, err, "missing field attempt")

	badJobID := make(map[string]any, len(valid))
	for key, value := range valid {
		badJobID[key] = value
	}
	badJobID["job_id"] = "five"
	_, err = parseStreamMessage(redis.XMessage{ID: "1-0", Values: badJobID})
	assert.ErrorContains(t, err, "invalid job_id")
}
