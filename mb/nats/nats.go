package mbNats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nrfta/go-sbqueue"
	"github.com/nrfta/go-sbqueue/mb"
)

// Msg converts a queue message into a NATS message on subject.
func Msg(subject string, msg sbqueue.Message, headers map[string]string) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = []byte(msg.Body)
	for k, v := range headers {
		m.Header.Set(k, v)
	}

	return m
}

// publisher is the part of *nats.Conn the core brokers use.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// jsPublisher is the part of jetstream.JetStream the JetStream broker uses.
type jsPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type natsJetstreamBroker struct {
	js      jsPublisher
	subject string
}

func NewJetstream(js jetstream.JetStream, subject string) (sbqueue.MessageBroker, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats jetstream broker: subject is required")
	}
	return &natsJetstreamBroker{js, subject}, nil
}

func (b natsJetstreamBroker) Send(ctx context.Context, msg sbqueue.Message) error {
	_, err := b.js.PublishMsg(ctx, Msg(b.subject, msg, mb.Headers(msg)))
	if err != nil {
		return fmt.Errorf("nats jetstream publish message: %v", err)
	}

	return nil
}

type natsBroker struct {
	client  publisher
	subject string
}

func New(client *nats.Conn, subject string) (sbqueue.MessageBroker, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats broker: subject is required")
	}
	return &natsBroker{client, subject}, nil
}

func (b natsBroker) Send(ctx context.Context, msg sbqueue.Message) error {
	err := b.client.PublishMsg(Msg(b.subject, msg, mb.Headers(msg)))
	if err != nil {
		return fmt.Errorf("nats publish message: %v", err)
	}

	return nil
}

type natsDeadLetterQueue struct {
	client  publisher
	subject string
}

// NewDeadLetterQueue publishes dead letters on subject with the failure in
// the Sbq-Error header.
func NewDeadLetterQueue(client *nats.Conn, subject string) (sbqueue.DeadLetterQueue, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats dead letter queue: subject is required")
	}
	return &natsDeadLetterQueue{client, subject}, nil
}

func (q natsDeadLetterQueue) Send(ctx context.Context, msg sbqueue.Message, cause error) error {
	if err := q.client.PublishMsg(Msg(q.subject, msg, mb.DeadLetterHeaders(msg, cause))); err != nil {
		return fmt.Errorf("nats publish dead letter: %v", err)
	}

	return nil
}
