package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestKafkaProducerKeysByEntity(t *testing.T) {
	w := &captureWriter{}
	k := &KafkaProducer{writer: w, presenceTopic: "presence", changesTopic: "changes", timeout: time.Second}
	ctx := context.Background()

	require.NoError(t, k.PublishPresence(ctx, models.Presence{ProviderID: "p1", Online: true}))
	require.NoError(t, k.PublishChange(ctx, models.ChangeEvent{Op: models.OpUpdate, Request: models.Request{ID: "r1", Status: models.StatusAccepted}}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "presence", w.msgs[0].Topic)
	assert.Equal(t, "p1", string(w.msgs[0].Key))
	assert.Equal(t, "changes", w.msgs[1].Topic)
	assert.Equal(t, "r1", string(w.msgs[1].Key))

	var ev models.ChangeEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	assert.Equal(t, models.StatusAccepted, ev.Request.Status)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaProducerSkipsUnconfiguredTopic(t *testing.T) {
	w := &captureWriter{}
	k := &KafkaProducer{writer: w, presenceTopic: "presence", timeout: time.Second}
	require.NoError(t, k.PublishChange(context.Background(), models.ChangeEvent{Request: models.Request{ID: "r1"}}))
	assert.Empty(t, w.msgs)
}
