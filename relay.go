package sbqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

type deliveryKey struct {
	conversation uuid.UUID
	sequence     int64
}

// Relay drains a queue into a MessageBroker. A message is committed only
// after the broker accepted it; otherwise the receive is rolled back and the
// message is redelivered until maxAttempts is reached, at which point it is
// handed to the DeadLetterQueue. If that is not possible the Relay stops
// with ErrUndeliverable instead of rolling the message back again.
type Relay struct {
	store Store
	mb    MessageBroker
	dlq   DeadLetterQueue

	logger  Logger
	metrics *RelayMetrics

	numWorkers   int
	maxAttempts  int
	pollInterval time.Duration
	sendTimeout  time.Duration

	mu       sync.Mutex
	attempts map[deliveryKey]int
}

type relayOption func(r *Relay)

func WithWorkers(n int) relayOption {
	return func(r *Relay) {
		r.numWorkers = n
	}
}

// WithMaxAttempts should stay below five: Service Broker disables a queue
// after five consecutive rollbacks of the same message.
func WithMaxAttempts(n int) relayOption {
	return func(r *Relay) {
		r.maxAttempts = n
	}
}

func WithPollInterval(d time.Duration) relayOption {
	return func(r *Relay) {
		r.pollInterval = d
	}
}

func WithSendTimeout(d time.Duration) relayOption {
	return func(r *Relay) {
		r.sendTimeout = d
	}
}

func WithRelayLogger(logger Logger) relayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *RelayMetrics) relayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// NewRelay builds a Relay. dlq may be nil, in which case Run returns
// ErrUndeliverable once a message reaches max attempts.
func NewRelay(s Store, mb MessageBroker, dlq DeadLetterQueue, opts ...relayOption) *Relay {
	r := &Relay{
		store:        s,
		mb:           mb,
		dlq:          dlq,
		logger:       log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
		numWorkers:   5,
		maxAttempts:  3,
		pollInterval: time.Second,
		sendTimeout:  15 * time.Second,
		attempts:     map[deliveryKey]int{},
	}

	for _, o := range opts {
		o(r)
	}

	if r.numWorkers < 1 {
		r.numWorkers = 1
	}

	r.logger = log.With(
		r.logger,
		"component", "relay",
		"messageBroker", reflect.TypeOf(mb),
	)

	return r
}

// Run starts the workers and blocks until ctx is cancelled or a message is
// undeliverable. Store errors are logged and retried after the poll interval.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.numWorkers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(ctx, log.With(r.logger, "worker", worker))
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (r *Relay) work(ctx context.Context, logger log.Logger) error {
	for {
		more, err := r.processOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUndeliverable) {
				logger.Log("msg", "stopping worker", "err", err)
				return err
			}
			logger.Log("err", fmt.Errorf("process message: %v", err))
		}

		if more && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// processOne handles at most one message in its own transaction. more
// reports whether the next message can be taken without waiting.
func (r *Relay) processOne(ctx context.Context) (more bool, err error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to begin transaction: %w", err)
	}

	msg, err := tx.Receive(ctx)
	if err != nil {
		return false, errors.Join(&ReceiveError{Err: err}, tx.Rollback())
	}
	if msg == nil {
		return false, tx.Rollback()
	}

	msg.Delivery = xid.New().String()

	var (
		key    = deliveryKey{msg.Conversation, msg.SequenceNumber}
		logger = log.With(r.logger,
			"delivery", msg.Delivery,
			"conversation", msg.Conversation.String(),
			"messageType", msg.MessageType,
		)
	)

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	sendErr := r.mb.Send(sendCtx, *msg)
	if sendErr == nil {
		r.forget(key)
		if err := tx.Commit(); err != nil {
			return true, fmt.Errorf("unable to commit forwarded message: %w", err)
		}
		r.metrics.observe(resultForwarded)
		logger.Log("msg", "successfully forwarded message")
		return true, nil
	}

	r.metrics.observe(resultFailed)
	n := r.attempt(key)
	logger.Log("err", fmt.Errorf("unable to forward message: %v", sendErr), "attempts", n)

	if n < r.maxAttempts {
		return false, tx.Rollback()
	}

	if r.dlq == nil {
		return false, errors.Join(
			fmt.Errorf("%w: %d attempts without a DLQ: %v", ErrUndeliverable, n, sendErr),
			tx.Rollback(),
		)
	}

	logger.Log("msg", "max attempts hit, sending to DLQ", "err", sendErr)

	// sendCtx may already be past its deadline when the broker timed out.
	dlqCtx, dlqCancel := context.WithTimeout(ctx, r.sendTimeout)
	defer dlqCancel()

	if err := r.dlq.Send(dlqCtx, *msg, sendErr); err != nil {
		return false, errors.Join(
			fmt.Errorf("%w: unable to send message to DLQ: %v", ErrUndeliverable, err),
			tx.Rollback(),
		)
	}

	r.forget(key)
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("unable to commit dead-lettered message: %w", err)
	}
	r.metrics.observe(resultDeadLettered)

	return true, nil
}

func (r *Relay) attempt(k deliveryKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[k]++
	return r.attempts[k]
}

func (r *Relay) forget(k deliveryKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, k)
}
