package testing

import (
	"context"
	"sync"

	"github.com/nrfta/go-sbqueue"
)

// RecordingBroker implements sbqueue.MessageBroker by keeping every message
// it accepts. When Fail is set and returns an error, or ctx is already done,
// the message is rejected and not recorded.
type RecordingBroker struct {
	Fail func(sbqueue.Message) error

	mu       sync.Mutex
	messages []sbqueue.Message
	calls    int
}

// NewRecordingBroker creates a broker that fails with fail, which may be nil.
func NewRecordingBroker(fail func(sbqueue.Message) error) *RecordingBroker {
	return &RecordingBroker{Fail: fail}
}

func (b *RecordingBroker) Send(ctx context.Context, msg sbqueue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Fail != nil {
		if err := b.Fail(msg); err != nil {
			return err
		}
	}

	b.messages = append(b.messages, msg)
	return nil
}

// Messages returns the accepted messages in order.
func (b *RecordingBroker) Messages() []sbqueue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sbqueue.Message(nil), b.messages...)
}

// Calls returns how many times Send was called, failed or not.
func (b *RecordingBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type DeadLetter struct {
	Message sbqueue.Message
	Err     error
}

// RecordingDeadLetterQueue implements sbqueue.DeadLetterQueue. Like
// RecordingBroker it rejects letters sent with a done context.
type RecordingDeadLetterQueue struct {
	Fail func(sbqueue.Message, error) error

	mu      sync.Mutex
	letters []DeadLetter
}

func NewRecordingDeadLetterQueue(fail func(sbqueue.Message, error) error) *RecordingDeadLetterQueue {
	return &RecordingDeadLetterQueue{Fail: fail}
}

func (q *RecordingDeadLetterQueue) Send(ctx context.Context, msg sbqueue.Message, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if q.Fail != nil {
		if err := q.Fail(msg, cause); err != nil {
			return err
		}
	}

	q.letters = append(q.letters, DeadLetter{Message: msg, Err: cause})
	return nil
}

// Letters returns the dead letters in order.
func (q *RecordingDeadLetterQueue) Letters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.letters...)
}

var (
	_ sbqueue.MessageBroker   = (*RecordingBroker)(nil)
	_ sbqueue.DeadLetterQueue = (*RecordingDeadLetterQueue)(nil)
)
