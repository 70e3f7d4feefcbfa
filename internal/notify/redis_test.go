package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristone/keystone/internal/models"
)

func newTestSink(t *testing.T) (*RedisSink, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSinkWithClient(client), client
}

func subscribe(t *testing.T, client *redis.Client, channel string) <-chan *redis.Message {
	t.Helper()
	ctx := context.Background()
	sub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	// Wait for the subscription to be confirmed before anything publishes.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub.Channel()
}

func receive(t *testing.T, ch <-chan *redis.Message) *redis.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRedisSinkPublishesRecordEvents(t *testing.T) {
	sink, client := newTestSink(t)
	ch := subscribe(t, client, "keystone:events:re:invoices")

	rec := &models.Record{
		ID:      uuid.New(),
		Module:  models.ModuleRevenue,
		Entity:  "invoices",
		Version: 3,
		Data:    models.JSONB{"title": "March rent"},
	}
	sink.RecordUpdated(context.Background(), models.ModuleRevenue, "invoices", rec, []string{"title"})

	msg := receive(t, ch)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, ActionUpdated, event.Action)
	assert.Equal(t, models.ModuleRevenue, event.Module)
	assert.Equal(t, "invoices", event.Entity)
	assert.Equal(t, []string{"title"}, event.ChangedFields)
	require.NotNil(t, event.Record)
	assert.Equal(t, rec.ID, event.Record.ID)
	assert.Equal(t, int64(3), event.Record.Version)
}

func TestRedisSinkPushesConflictToConnection(t *testing.T) {
	sink, client := newTestSink(t)
	ch := subscribe(t, client, "keystone:conflicts:conn-42")

	recordID := uuid.New()
	latest := &models.Record{
		ID:      recordID,
		Module:  models.ModuleExpense,
		Entity:  "receipts",
		Version: 5,
	}
	sink.Conflict(context.Background(), models.ModuleExpense, "receipts", "conn-42", recordID, latest)

	msg := receive(t, ch)

	var event ConflictEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, recordID, event.RecordID)
	require.NotNil(t, event.Latest)
	assert.Equal(t, int64(5), event.Latest.Version)
}

func TestRedisSinkIgnoresEmptyConnection(t *testing.T) {
	sink, client := newTestSink(t)
	ch := subscribe(t, client, "keystone:conflicts:")

	sink.Conflict(context.Background(), models.ModuleExpense, "receipts", "", uuid.New(), &models.Record{})

	select {
	case <-ch:
		t.Fatal("no payload should be published without a connection id")
	case <-time.After(200 * time.Millisecond):
	}
}
