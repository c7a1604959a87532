package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/events"
)

type sentMessage struct {
	topic string
	body  map[string]interface{}
}

type capture struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (c *capture) send(topic string, data []byte) {
	var body map[string]interface{}
	_ = json.Unmarshal(data, &body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sentMessage{topic, body})
}

func TestMQTTEventRouting(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	c := &capture{}
	h := newMQTTHandler(config.MQTTConfig{TopicPrefix: "tether/"}, bus, c.send)
	h.subscribeEvents()

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventPeerStateChanged,
		Payload: events.PeerStatePayload{PairID: "a:b", State: "pending"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventSessionOpened,
		Payload: events.SessionPayload{ConnectionID: "tcp_1"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventTransferStateChanged,
		Payload: events.TransferStatePayload{TransferID: "t1"},
	}))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.msgs, 3)

	assert.Equal(t, "tether/peer", c.msgs[0].topic)
	assert.Equal(t, "peer_state_changed", c.msgs[0].body["event"])
	payload, ok := c.msgs[0].body["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a:b", payload["pairId"])
	assert.Contains(t, c.msgs[0].body, "hostname")
	assert.Contains(t, c.msgs[0].body, "timestamp")

	assert.Equal(t, "tether/presence", c.msgs[1].topic)
	assert.Equal(t, "tether/transfer", c.msgs[2].topic)
}

func TestMQTTShutdownAndUnsubscribe(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	c := &capture{}
	h := newMQTTHandler(config.MQTTConfig{}, bus, c.send)
	h.subscribeEvents()
	assert.Equal(t, 1, bus.HandlerCount(events.EventSessionClosed))

	h.PublishShutdown()
	h.unsubscribeEvents()
	assert.Zero(t, bus.HandlerCount(events.EventSessionClosed))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.msgs, 1)
	assert.Equal(t, "admin", c.msgs[0].topic)
	assert.Equal(t, "shutdown", c.msgs[0].body["event"])
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus())
	assert.Error(t, err)
}
