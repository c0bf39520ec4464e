package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/nrfta/go-sbqueue"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a Service Broker backed sbqueue.Store.
type Store struct {
	db     *sql.DB
	cfg    Config
	stmts  statements
	logger log.Logger
}

var _ sbqueue.Store = &Store{}

// NewStore validates the configuration and, unless WithoutProvisioning is
// given, creates the Service Broker objects that are missing. The database
// must have the broker enabled, see EnableBroker.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	cfg := Config{Provision: true}
	for _, o := range opts {
		o(&cfg)
	}
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		stmts:  newStatements(cfg),
		logger: log.With(cfg.Logger, "component", "mssqlStore", "queue", cfg.Schema+"."+cfg.Queue),
	}

	if cfg.Provision {
		if err := s.init(context.Background()); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// EnableBroker turns on Service Broker for the database db is connected to.
// It waits for other sessions on the database to be rolled back.
func EnableBroker(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, enableBrokerStatement); err != nil {
		return fmt.Errorf("sbqueue mssql: enable broker: %w", err)
	}

	return nil
}

// Begin starts a transaction on the underlying database.
func (s *Store) Begin(ctx context.Context) (sbqueue.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sbqueue mssql: begin tx failed: %w", err)
	}

	return &storeTx{tx: tx, store: s}, nil
}

// SendTx enqueues payload inside a transaction owned by the caller, so the
// message is committed or discarded together with the caller's other work.
func (s *Store) SendTx(ctx context.Context, tx *sql.Tx, payload string) (uuid.UUID, error) {
	if tx == nil {
		return uuid.UUID{}, ErrTxRequired
	}

	return s.send(ctx, tx, payload)
}

// Count returns the number of messages in the target queue. Messages locked
// by an open receive are not counted until that transaction ends.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.stmts.count).Scan(&n); err != nil {
		return 0, fmt.Errorf("sbqueue mssql: count failed: %w", err)
	}

	return n, nil
}

func (s *Store) send(ctx context.Context, db execQuerier, payload string) (uuid.UUID, error) {
	var handle mssqldb.UniqueIdentifier
	if err := db.QueryRowContext(ctx, s.stmts.send, sql.Named("message", payload)).Scan(&handle); err != nil {
		return uuid.UUID{}, fmt.Errorf("sbqueue mssql: send failed: %w", err)
	}

	return uuid.UUID(handle), nil
}

// receive returns the next application message. System messages on the way
// are consumed: EndDialog and Error messages end their conversation.
func (s *Store) receive(ctx context.Context, db execQuerier) (*sbqueue.Message, error) {
	for {
		msg, err := s.receiveOne(ctx, db)
		if err != nil || msg == nil {
			return msg, err
		}

		switch msg.MessageType {
		case messageTypeEndDialog, messageTypeError:
			s.logger.Log("msg", "ending conversation", "conversation", msg.Conversation.String(), "messageType", msg.MessageType)
			if err := s.end(ctx, db, msg.Conversation); err != nil {
				return nil, err
			}
			continue
		case messageTypeDialogTimer:
			continue
		}

		if s.cfg.EndConversation {
			if err := s.end(ctx, db, msg.Conversation); err != nil {
				return nil, err
			}
		}

		return msg, nil
	}
}

func (s *Store) receiveOne(ctx context.Context, db execQuerier) (*sbqueue.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if s.cfg.ReceiveTimeout > 0 {
		rows, err = db.QueryContext(ctx, s.stmts.receiveWait, sql.Named("timeout", int32(s.cfg.ReceiveTimeout.Milliseconds())))
	} else {
		rows, err = db.QueryContext(ctx, s.stmts.receive)
	}
	if err != nil {
		return nil, fmt.Errorf("sbqueue mssql: receive failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sbqueue mssql: receive rows failed: %w", err)
		}
		return nil, nil
	}

	var (
		handle mssqldb.UniqueIdentifier
		body   sql.NullString
		msg    sbqueue.Message
	)
	if err := rows.Scan(
		&handle,
		&msg.MessageType,
		&msg.SequenceNumber,
		&msg.Service,
		&msg.Contract,
		&body,
	); err != nil {
		return nil, fmt.Errorf("sbqueue mssql: receive scan failed: %w", err)
	}
	msg.Conversation = uuid.UUID(handle)
	msg.Body = body.String

	return &msg, rows.Close()
}

func (s *Store) end(ctx context.Context, db execQuerier, conversation uuid.UUID) error {
	if _, err := db.ExecContext(ctx, s.stmts.end, sql.Named("handle", mssqldb.UniqueIdentifier(conversation))); err != nil {
		return fmt.Errorf("sbqueue mssql: end conversation failed: %w", err)
	}

	return nil
}

func (s *Store) init(ctx context.Context) error {
	for _, step := range provisionSteps(s.cfg) {
		if _, err := s.db.ExecContext(ctx, step.statement(), step.args...); err != nil {
			return fmt.Errorf("sbqueue mssql: provision %s: %w", step.object, err)
		}
	}

	return nil
}

type storeTx struct {
	tx    *sql.Tx
	store *Store
	done  bool
}

func (t *storeTx) Send(ctx context.Context, msg sbqueue.Message) error {
	if t.done {
		return sbqueue.ErrNoTransaction
	}

	_, err := t.store.send(ctx, t.tx, msg.Body)
	return err
}

func (t *storeTx) Receive(ctx context.Context) (*sbqueue.Message, error) {
	if t.done {
		return nil, sbqueue.ErrNoTransaction
	}

	return t.store.receive(ctx, t.tx)
}

func (t *storeTx) Commit() error {
	if t.done {
		return sbqueue.ErrNoTransaction
	}
	t.done = true

	return t.tx.Commit()
}

func (t *storeTx) Rollback() error {
	if t.done {
		return sbqueue.ErrNoTransaction
	}
	t.done = true

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}
