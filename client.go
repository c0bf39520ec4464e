package sbqueue

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/go-kit/log"
)

// State is the transactional state of a Client.
type State int

const (
	StateIdle State = iota
	StatePending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client is a transactional queue client. The first Send or Receive opens a
// transaction that stays open until Commit or Rollback.
type Client struct {
	mu    sync.Mutex
	store Store
	tx    Tx
	state State

	logger Logger
}

type clientOption func(c *Client)

func WithClientLogger(logger Logger) clientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(s Store, opts ...clientOption) *Client {
	c := &Client{
		store:  s,
		logger: log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}

	for _, o := range opts {
		o(c)
	}

	c.logger = log.With(
		c.logger,
		"component", "client",
		"store", reflect.TypeOf(s),
	)

	return c
}

// State returns the current transactional state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send enqueues payload in the current transaction. The message is not
// visible to receivers until Commit.
func (c *Client) Send(ctx context.Context, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.begin(ctx)
	if err != nil {
		return &SendError{Err: err}
	}

	if err := tx.Send(ctx, Message{Body: payload}); err != nil {
		return &SendError{Err: err}
	}

	return nil
}

// Receive pops the head of the queue in the current transaction. ok is false
// when the queue is empty. A received message is requeued by Rollback.
func (c *Client) Receive(ctx context.Context) (msg Message, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.begin(ctx)
	if err != nil {
		return Message{}, false, &ReceiveError{Err: err}
	}

	res, err := tx.Receive(ctx)
	if err != nil {
		return Message{}, false, &ReceiveError{Err: err}
	}
	if res == nil {
		return Message{}, false, nil
	}

	return *res, true, nil
}

// Commit makes pending sends visible and pending receives permanent. It is a
// no-op while Idle.
func (c *Client) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx, c.state = nil, StateIdle
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sbqueue: commit: %w", err)
	}

	return nil
}

// Rollback discards pending sends and requeues pending receives. It is a
// no-op while Idle.
func (c *Client) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}

	return c.rollback()
}

// Close rolls back any pending transaction. The client cannot be used
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}

	err := c.rollback()
	c.state = StateClosed
	return err
}

func (c *Client) begin(ctx context.Context) (Tx, error) {
	switch c.state {
	case StateClosed:
		return nil, ErrClosed
	case StatePending:
		return c.tx, nil
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	c.tx, c.state = tx, StatePending
	return tx, nil
}

func (c *Client) rollback() error {
	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx, c.state = nil, StateIdle
	if err := tx.Rollback(); err != nil {
		c.logger.Log("err", fmt.Errorf("unable to rollback transaction: %v", err))
		return fmt.Errorf("sbqueue: rollback: %w", err)
	}

	return nil
}
