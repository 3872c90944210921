//go:build integration

package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestRedisStreamSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	sink, err := NewRedisStreamSink(ctx, url, "ledger:events", 100)
	require.NoError(t, err)
	defer sink.Close()

	ev := sampleEvent()
	require.NoError(t, sink.Publish(ctx, ev))

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	entries, err := client.XRange(ctx, "ledger:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var decoded interfaces.Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["event"].(string)), &decoded))
	assert.Equal(t, ev.Hash, decoded.Hash)
}

func TestKafkaSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v23.3.3", redpanda.WithAutoCreateTopics())
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	sink, err := NewKafkaSink([]string{broker}, "ledger-events")
	require.NoError(t, err)
	defer sink.Close()

	ev := sampleEvent()
	require.NoError(t, sink.Publish(ctx, ev))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics("ledger-events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(pollCtx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, ev.Holder.String(), string(records[0].Key))
}
