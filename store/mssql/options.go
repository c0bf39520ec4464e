package mssql

import (
	"math"
	"time"

	"github.com/go-kit/log"
)

const (
	DefaultSchema           = "testschema"
	DefaultQueue            = "TestConsumerQueue"
	DefaultInitiatorQueue   = "TestProducerQueue"
	DefaultInitiatorService = "MessagesProducer"
	DefaultTargetService    = "MessagesConsumer"
	DefaultContract         = "//org/springframework/integration/Message/SimpleContract"
	DefaultMessageType      = "//org/springframework/integration/Message"
)

// MaxReceiveTimeout is the longest WAITFOR timeout SQL Server accepts, an int
// number of milliseconds.
const MaxReceiveTimeout = time.Duration(math.MaxInt32) * time.Millisecond

// Config names the Service Broker objects a Store talks to.
type Config struct {
	// Schema owns both queues.
	Schema string
	// Queue is the target queue messages are received from.
	Queue string
	// InitiatorQueue backs InitiatorService. It only ever holds replies such
	// as EndDialog messages.
	InitiatorQueue   string
	InitiatorService string
	TargetService    string
	Contract         string
	MessageType      string

	// ReceiveTimeout makes Receive wait for a message. Zero returns at once.
	// It may not exceed MaxReceiveTimeout.
	ReceiveTimeout time.Duration
	// EndConversation ends the dialog of every received application message.
	EndConversation bool
	// Provision creates missing Service Broker objects in NewStore.
	Provision bool

	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.InitiatorQueue == "" {
		c.InitiatorQueue = DefaultInitiatorQueue
	}
	if c.InitiatorService == "" {
		c.InitiatorService = DefaultInitiatorService
	}
	if c.TargetService == "" {
		c.TargetService = DefaultTargetService
	}
	if c.Contract == "" {
		c.Contract = DefaultContract
	}
	if c.MessageType == "" {
		c.MessageType = DefaultMessageType
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	return c
}

func (c Config) validate() error {
	for _, n := range []string{
		c.Schema,
		c.Queue,
		c.InitiatorQueue,
		c.InitiatorService,
		c.TargetService,
		c.Contract,
		c.MessageType,
	} {
		if err := validateName(n); err != nil {
			return err
		}
	}
	if c.ReceiveTimeout < 0 || c.ReceiveTimeout > MaxReceiveTimeout {
		return ErrInvalidTimeout
	}

	return nil
}

// Option configures a Store.
type Option func(c *Config)

func WithSchema(schema string) Option {
	return func(c *Config) {
		c.Schema = schema
	}
}

func WithQueue(queue string) Option {
	return func(c *Config) {
		c.Queue = queue
	}
}

func WithInitiatorQueue(queue string) Option {
	return func(c *Config) {
		c.InitiatorQueue = queue
	}
}

// WithServices sets the initiator (FROM) and target (TO) services.
func WithServices(initiator, target string) Option {
	return func(c *Config) {
		c.InitiatorService = initiator
		c.TargetService = target
	}
}

func WithContract(contract string) Option {
	return func(c *Config) {
		c.Contract = contract
	}
}

func WithMessageType(messageType string) Option {
	return func(c *Config) {
		c.MessageType = messageType
	}
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReceiveTimeout = d
	}
}

func WithEndConversation() Option {
	return func(c *Config) {
		c.EndConversation = true
	}
}

// WithoutProvisioning skips creating Service Broker objects. Use it when the
// objects are managed by migrations.
func WithoutProvisioning() Option {
	return func(c *Config) {
		c.Provision = false
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
