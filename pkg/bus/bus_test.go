package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, b.Close)
	require.EqualError(t, b.PublishOutcome(context.Background(), DefaultSubject, OutcomeEvent{}), "nil bus")
}

func TestEncodeOutcome(t *testing.T) {
	_, err := encodeOutcome("", OutcomeEvent{})
	require.Error(t, err)

	data, err := encodeOutcome(DefaultSubject, OutcomeEvent{
		StackID:            "stack",
		Status:             "FAILED",
		PhysicalResourceID: "app_user@db",
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "FAILED", got["status"])
	assert.Equal(t, "app_user@db", got["physical_resource_id"])
	assert.NotContains(t, got, "callback_status")

	stamped, err := time.Parse(time.RFC3339Nano, got["time"].(string))
	require.NoError(t, err)
	assert.False(t, stamped.IsZero())
}
