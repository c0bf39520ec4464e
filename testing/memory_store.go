package testing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nrfta/go-sbqueue"
)

const (
	defaultMessageType = "DEFAULT"
	defaultContract    = "DEFAULT"
	memoryService      = "MemoryStore"
)

type entry struct {
	order uint64
	msg   sbqueue.Message
}

// MemoryStore is an in-memory FIFO queue with transactional visibility.
type MemoryStore struct {
	mu        sync.Mutex
	queue     []entry
	nextOrder uint64

	beginErr   error
	sendErr    error
	receiveErr error
	commitErr  error

	commits   int
	rollbacks int
}

// NewMemoryStore creates an empty queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailBegin makes every Begin return err until called with nil.
func (s *MemoryStore) FailBegin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginErr = err
}

// FailSend makes every Tx.Send return err until called with nil.
func (s *MemoryStore) FailSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailReceive makes every Tx.Receive return err until called with nil.
func (s *MemoryStore) FailReceive(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveErr = err
}

// FailCommit makes every Tx.Commit return err until called with nil. A
// failed commit behaves like a rollback.
func (s *MemoryStore) FailCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Len returns the number of messages visible to a new receive.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Commits returns how many transactions were committed.
func (s *MemoryStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns how many transactions were rolled back.
func (s *MemoryStore) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Begin implements sbqueue.Store.
func (s *MemoryStore) Begin(ctx context.Context) (sbqueue.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.beginErr != nil {
		return nil, s.beginErr
	}

	return &memoryTx{store: s}, nil
}

func (s *MemoryStore) requeue(entries []entry) {
	s.queue = append(s.queue, entries...)
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].order < s.queue[j].order
	})
}

type memoryTx struct {
	store    *MemoryStore
	sent     []sbqueue.Message
	received []entry
	done     bool
}

func (t *memoryTx) Send(ctx context.Context, msg sbqueue.Message) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.done {
		return sbqueue.ErrNoTransaction
	}
	if t.store.sendErr != nil {
		return t.store.sendErr
	}

	if msg.MessageType == "" {
		msg.MessageType = defaultMessageType
	}
	msg.Conversation = uuid.New()
	msg.SequenceNumber = 0
	msg.Service = memoryService
	msg.Contract = defaultContract

	t.sent = append(t.sent, msg)
	return nil
}

func (t *memoryTx) Receive(ctx context.Context) (*sbqueue.Message, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.done {
		return nil, sbqueue.ErrNoTransaction
	}
	if t.store.receiveErr != nil {
		return nil, t.store.receiveErr
	}
	if len(t.store.queue) == 0 {
		return nil, nil
	}

	head := t.store.queue[0]
	t.store.queue = t.store.queue[1:]
	t.received = append(t.received, head)

	msg := head.msg
	return &msg, nil
}

func (t *memoryTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.done {
		return sbqueue.ErrNoTransaction
	}
	t.done = true

	if t.store.commitErr != nil {
		t.store.requeue(t.received)
		t.store.rollbacks++
		return t.store.commitErr
	}

	for _, msg := range t.sent {
		t.store.nextOrder++
		t.store.queue = append(t.store.queue, entry{order: t.store.nextOrder, msg: msg})
	}
	t.store.commits++

	return nil
}

func (t *memoryTx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.done {
		return sbqueue.ErrNoTransaction
	}
	t.done = true

	t.store.requeue(t.received)
	t.store.rollbacks++

	return nil
}

var _ sbqueue.Store = (*MemoryStore)(nil)
