package sbqueue

//go:generate go run go.uber.org/mock/mockgen --source=sbqueue.go --destination=mock_sbqueue_test.go -package=sbqueue -self_package=github.com/nrfta/go-sbqueue Store,Tx,MessageBroker,DeadLetterQueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("sbqueue: client is closed")
	// ErrNoTransaction is returned by a Tx that was already committed or rolled back.
	ErrNoTransaction = errors.New("sbqueue: transaction already finished")
	// ErrUndeliverable stops a Relay when a message reached its max attempts
	// and could not be dead-lettered.
	ErrUndeliverable = errors.New("sbqueue: message could not be forwarded or dead-lettered")
)

type Logger interface {
	log.Logger
}

// Message is a queued payload. Only Body is needed to send; the remaining
// fields are filled in on receive.
type Message struct {
	Body string

	Conversation   uuid.UUID
	MessageType    string
	SequenceNumber int64
	Service        string
	Contract       string

	// Delivery identifies one forwarding attempt by a Relay. It is empty
	// outside of a Relay.
	Delivery string
}

type Store interface {
	// Begin starts a transaction. Nothing sent or received through the
	// returned Tx is visible to other transactions until Commit.
	Begin(context.Context) (Tx, error)
}

type Tx interface {
	// Send opens a new conversation and enqueues the message on it.
	Send(context.Context, Message) error

	// Receive pops the head of the queue. It returns nil and no error when
	// the queue is empty.
	Receive(context.Context) (*Message, error)

	Commit() error
	Rollback() error
}

// MessageBroker is the destination a Relay forwards received messages to.
type MessageBroker interface {
	Send(context.Context, Message) error
}

type DeadLetterQueue interface {
	Send(context.Context, Message, error) error
}

// SendError reports a failed enqueue.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sbqueue: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a failed dequeue.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("sbqueue: receive failed: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }
