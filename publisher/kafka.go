package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaProducer is the part of *kgo.Client the sink uses.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces events to a Kafka topic, waiting for all in-sync
// replicas to acknowledge each record.
type KafkaSink struct {
	client kafkaProducer
	topic  string
}

// NewKafkaSink connects to the given seed brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink requires brokers and a topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev interfaces.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}

	record := kgo.KeySliceRecord([]byte(msg.Key), msg.Payload)
	record.Topic = s.topic
	record.Timestamp = ev.Timestamp
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce event %d: %w", ev.Seq, err)
	}
	return nil
}

func (s *KafkaSink) Name() string {
	return "kafka:" + s.topic
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
