package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nrfta/go-sbqueue"
	"github.com/nrfta/go-sbqueue/mb"
)

// Record converts a queue message into a Kafka record keyed by its
// conversation handle.
func Record(topic string, msg sbqueue.Message, headers map[string]string) *kgo.Record {
	r := &kgo.Record{
		Key:   []byte(msg.Conversation.String()),
		Value: []byte(msg.Body),
		Topic: topic,
	}
	for k, v := range headers {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	return r
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type kafkaMessageBroker struct {
	client producer
	topic  string
}

func New(client *kgo.Client, topic string) (sbqueue.MessageBroker, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka broker: topic is required")
	}
	return &kafkaMessageBroker{client, topic}, nil
}

func (b kafkaMessageBroker) Send(ctx context.Context, msg sbqueue.Message) error {
	record := Record(b.topic, msg, mb.Headers(msg))
	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("record had a produce error while synchronously producing: %v", err)
	}

	return nil
}

type kafkaDeadLetterQueue struct {
	client producer
	topic  string
}

func NewDeadLetterQueue(client *kgo.Client, topic string) (sbqueue.DeadLetterQueue, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka dead letter queue: topic is required")
	}
	return &kafkaDeadLetterQueue{client, topic}, nil
}

func (q kafkaDeadLetterQueue) Send(ctx context.Context, msg sbqueue.Message, cause error) error {
	record := Record(q.topic, msg, mb.DeadLetterHeaders(msg, cause))
	if err := q.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("dead letter had a produce error while synchronously producing: %v", err)
	}

	return nil
}
