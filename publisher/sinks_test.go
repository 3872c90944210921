package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func sampleEvent() interfaces.Event {
	ev := interfaces.Event{
		Seq:            3,
		Kind:           interfaces.CredentialIssued,
		Issuer:         interfaces.Account{0x01},
		Holder:         interfaces.Account{0x02},
		CredentialHash: interfaces.ComputeCredentialHash([]byte("diploma")),
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}
	ev.Seal(ev.PrevHash)
	return ev
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() { p.closed = true }

func TestKafkaSink(t *testing.T) {
	producer := &fakeProducer{}
	sink := &KafkaSink{client: producer, topic: "ledger-events"}
	ev := sampleEvent()

	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Len(t, producer.records, 1)

	record := producer.records[0]
	assert.Equal(t, "ledger-events", record.Topic)
	assert.Equal(t, ev.Holder.String(), string(record.Key))
	assert.Equal(t, ev.Timestamp, record.Timestamp)

	var decoded interfaces.Event
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.Equal(t, ev.Hash, decoded.Hash)

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "CredentialIssued", headers["kind"])

	producer.err = errors.New("not enough replicas")
	assert.ErrorContains(t, sink.Publish(context.Background(), ev), "not enough replicas")

	require.NoError(t, sink.Close())
	assert.True(t, producer.closed)
	assert.Equal(t, "kafka:ledger-events", sink.Name())
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

type fakeAMQP struct {
	exchange, key string
	msg           amqp.Publishing
	acked         bool
	err           error
}

func (f *fakeAMQP) PublishConfirmed(_ context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.acked, f.err
}

func (f *fakeAMQP) Close() error { return nil }

func TestAMQPSink(t *testing.T) {
	fake := &fakeAMQP{acked: true}
	sink := &AMQPSink{publisher: fake, exchange: "ledger"}
	ev := sampleEvent()

	require.NoError(t, sink.Publish(context.Background(), ev))
	assert.Equal(t, "ledger", fake.exchange)
	assert.Equal(t, "ledger.CredentialIssued", fake.key)
	assert.Equal(t, "application/json", fake.msg.ContentType)
	assert.Equal(t, amqp.Persistent, fake.msg.DeliveryMode)
	assert.Equal(t, ev.Hash.Hex(), fake.msg.MessageId)
	assert.Equal(t, "3", fake.msg.Headers["seq"])

	fake.acked = false
	assert.ErrorContains(t, sink.Publish(context.Background(), ev), "nacked")

	fake.err = amqp.ErrClosed
	assert.ErrorIs(t, sink.Publish(context.Background(), ev), amqp.ErrClosed)
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

func (f *fakeStream) Close() error { return nil }

func TestRedisStreamSink(t *testing.T) {
	fake := &fakeStream{}
	sink := &RedisStreamSink{client: fake, stream: "ledger:events", maxLen: 1000}
	ev := sampleEvent()

	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Len(t, fake.args, 1)
	args := fake.args[0]
	assert.Equal(t, "ledger:events", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "3", values["seq"])
	assert.Equal(t, ev.Holder.String(), values["key"])

	fake.err = errors.New("OOM command not allowed")
	assert.ErrorContains(t, sink.Publish(context.Background(), ev), "OOM")
}
