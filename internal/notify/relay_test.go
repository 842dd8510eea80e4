package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRelayMessage(t *testing.T, origin string, envelope Envelope) string {
	t.Helper()
	encoded, err := json.Marshal(relayMessage{Origin: origin, Envelope: envelope})
	require.NoError(t, err)
	return string(encoded)
}

func TestRelayDeliversEnvelopesFromOtherProcesses(t *testing.T) {
	hub := NewHub(nil)
	conn := &fakeConn{}
	hub.Connect("dashboard", conn)
	relay := NewRedisRelay(nil, "", hub, nil)

	relay.handle(encodeRelayMessage(t, "worker-1", Envelope{
		Type: "processing_progress",
		Body: map[string]any{"job_id": "job-9", "progress": 50.0},
	}))

	messages := conn.received()
	require.Len(t, messages, 1)
	assert.Equal(t, "processing_progress", messages[0]["type"])
	assert.Equal(t, "job-9", messages[0]["job_id"])
	assert.Contains(t, messages[0], "timestamp")
}

func TestRelaySkipsOwnAndMalformedMessages(t *testing.T) {
	hub := NewHub(nil)
	conn := &fakeConn{}
	hub.Connect("dashboard", conn)
	relay := NewRedisRelay(nil, "", hub, nil)

	relay.handle(encodeRelayMessage(t, relay.origin, Envelope{Type: "processing_progress", Body: map[string]any{}}))
	relay.handle("{not json")

	assert.Empty(t, conn.received())
	assert.Equal(t, "docflow:notifications", relay.channel)
}
