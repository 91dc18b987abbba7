package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs, err := encode([]Event{{
		Type:       TypeOrderStatusChanged,
		Key:        "order-1",
		OccurredAt: at,
		Payload:    map[string]string{"status": "SENT"},
	}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "order-1", string(msgs[0].Key))
	assert.Equal(t, at, msgs[0].Time)
	require.Len(t, msgs[0].Headers, 1)
	assert.Equal(t, TypeOrderStatusChanged, string(msgs[0].Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, TypeOrderStatusChanged, decoded["type"])
	assert.Equal(t, "SENT", decoded["payload"].(map[string]any)["status"])
}

func TestEncodeStampsMissingTime(t *testing.T) {
	msgs, err := encode([]Event{{Type: TypeLowInventory, Key: "BTC"}})
	require.NoError(t, err)
	assert.False(t, msgs[0].Time.IsZero())
}

func TestMemoryPublisher(t *testing.T) {
	pub := NewMemoryPublisher()
	require.NoError(t, pub.Publish(context.Background(),
		Event{Type: TypeLowInventory, Key: "BTC"},
		Event{Type: TypeOrderStatusChanged, Key: "o"},
	))
	assert.Len(t, pub.Events(), 2)
	assert.Len(t, pub.OfType(TypeLowInventory), 1)
	require.NoError(t, pub.Close())
}
