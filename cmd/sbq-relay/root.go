package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nrfta/go-sbqueue"
	"github.com/nrfta/go-sbqueue/mb/kafka"
	mbNats "github.com/nrfta/go-sbqueue/mb/nats"
	"github.com/nrfta/go-sbqueue/store/mssql"
)

type config struct {
	dsn            string
	schema         string
	queue          string
	receiveTimeout time.Duration
	provision      bool

	broker       string
	natsURL      string
	subject      string
	dlqSubject   string
	kafkaBrokers []string
	topic        string
	dlqTopic     string

	workers      int
	maxAttempts  int
	pollInterval time.Duration
	metricsAddr  string
}

var cfg config

var rootCmd = &cobra.Command{
	Use:   "sbq-relay",
	Short: "Forward SQL Server Service Broker messages to NATS or Kafka",
	Long: `sbq-relay receives messages from a Service Broker queue and publishes them
to NATS or Kafka. A message is only removed from the queue after the broker
accepted it. A message that still fails after --max-attempts goes to the
dead letter subject or topic; without one the relay exits with an error.
Every flag can also be set through the SBQ_<FLAG> environment variable,
e.g. SBQ_DSN or SBQ_MAX_ATTEMPTS.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, log.NewJSONLogger(log.NewSyncWriter(os.Stderr)))
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfg.dsn, "dsn", env("SBQ_DSN", ""), "sqlserver:// connection string")
	f.StringVar(&cfg.schema, "schema", env("SBQ_SCHEMA", mssql.DefaultSchema), "schema owning the queue")
	f.StringVar(&cfg.queue, "queue", env("SBQ_QUEUE", mssql.DefaultQueue), "queue to receive from")
	f.DurationVar(&cfg.receiveTimeout, "receive-timeout", envDuration("SBQ_RECEIVE_TIMEOUT", 5*time.Second), "WAITFOR timeout of a receive")
	f.BoolVar(&cfg.provision, "provision", env("SBQ_PROVISION", "false") == "true", "create missing Service Broker objects")

	f.StringVar(&cfg.broker, "broker", env("SBQ_BROKER", "nats"), "destination: nats or kafka")
	f.StringVar(&cfg.natsURL, "nats-url", env("SBQ_NATS_URL", nats.DefaultURL), "NATS server URL")
	f.StringVar(&cfg.subject, "subject", env("SBQ_SUBJECT", ""), "NATS subject to publish to")
	f.StringVar(&cfg.dlqSubject, "dlq-subject", env("SBQ_DLQ_SUBJECT", ""), "NATS subject for dead letters")
	f.StringSliceVar(&cfg.kafkaBrokers, "kafka-brokers", split(env("SBQ_KAFKA_BROKERS", "localhost:9092")), "Kafka seed brokers")
	f.StringVar(&cfg.topic, "topic", env("SBQ_TOPIC", ""), "Kafka topic to produce to")
	f.StringVar(&cfg.dlqTopic, "dlq-topic", env("SBQ_DLQ_TOPIC", ""), "Kafka topic for dead letters")

	f.IntVar(&cfg.workers, "workers", envInt("SBQ_WORKERS", 5), "concurrent receive transactions")
	f.IntVar(&cfg.maxAttempts, "max-attempts", envInt("SBQ_MAX_ATTEMPTS", 3), "forward attempts before dead lettering, or stopping without a DLQ")
	f.DurationVar(&cfg.pollInterval, "poll-interval", envDuration("SBQ_POLL_INTERVAL", time.Second), "wait after an empty receive or a failure")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", env("SBQ_METRICS_ADDR", ""), "serve /metrics on this address")
}

func (c config) validate() error {
	if c.dsn == "" {
		return errors.New("--dsn is required")
	}

	switch c.broker {
	case "nats":
		if c.subject == "" {
			return errors.New("--subject is required for nats")
		}
	case "kafka":
		if c.topic == "" {
			return errors.New("--topic is required for kafka")
		}
		if len(c.kafkaBrokers) == 0 {
			return errors.New("--kafka-brokers is required for kafka")
		}
	default:
		return fmt.Errorf("unknown broker %q", c.broker)
	}

	if c.maxAttempts >= 5 {
		return errors.New("--max-attempts must stay below 5, Service Broker disables the queue after five rollbacks")
	}

	return nil
}

func (c config) storeOptions(logger log.Logger) []mssql.Option {
	opts := []mssql.Option{
		mssql.WithSchema(c.schema),
		mssql.WithQueue(c.queue),
		mssql.WithReceiveTimeout(c.receiveTimeout),
		mssql.WithLogger(logger),
	}
	if !c.provision {
		opts = append(opts, mssql.WithoutProvisioning())
	}

	return opts
}

func run(ctx context.Context, c config, logger log.Logger) error {
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	db, err := sql.Open("sqlserver", c.dsn)
	if err != nil {
		return fmt.Errorf("unable to open database: %v", err)
	}
	defer db.Close()

	store, err := mssql.NewStore(db, c.storeOptions(logger)...)
	if err != nil {
		return fmt.Errorf("unable to create store: %v", err)
	}

	broker, dlq, closeBroker, err := connectBroker(c)
	if err != nil {
		return err
	}
	defer closeBroker()

	reg := prometheus.NewRegistry()
	metrics, err := sbqueue.NewRelayMetrics(reg)
	if err != nil {
		return err
	}

	if c.metricsAddr != "" {
		srv := &http.Server{Addr: c.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log("err", fmt.Errorf("metrics server: %v", err))
			}
		}()
		defer srv.Close()
	}

	relay := sbqueue.NewRelay(store, broker, dlq,
		sbqueue.WithRelayLogger(logger),
		sbqueue.WithMetrics(metrics),
		sbqueue.WithWorkers(c.workers),
		sbqueue.WithMaxAttempts(c.maxAttempts),
		sbqueue.WithPollInterval(c.pollInterval),
	)

	logger.Log("msg", "relay started", "queue", c.schema+"."+c.queue, "broker", c.broker)
	err = relay.Run(ctx)
	logger.Log("msg", "relay stopped")

	return err
}

func connectBroker(c config) (sbqueue.MessageBroker, sbqueue.DeadLetterQueue, func(), error) {
	switch c.broker {
	case "kafka":
		client, err := kgo.NewClient(kgo.SeedBrokers(c.kafkaBrokers...))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("unable to create kafka client: %v", err)
		}

		broker, err := kafka.New(client, c.topic)
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}

		var dlq sbqueue.DeadLetterQueue
		if c.dlqTopic != "" {
			if dlq, err = kafka.NewDeadLetterQueue(client, c.dlqTopic); err != nil {
				client.Close()
				return nil, nil, nil, err
			}
		}

		return broker, dlq, client.Close, nil
	default:
		conn, err := nats.Connect(c.natsURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("unable to connect to nats: %v", err)
		}

		broker, err := mbNats.New(conn, c.subject)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}

		var dlq sbqueue.DeadLetterQueue
		if c.dlqSubject != "" {
			if dlq, err = mbNats.NewDeadLetterQueue(conn, c.dlqSubject); err != nil {
				conn.Close()
				return nil, nil, nil, err
			}
		}

		return broker, dlq, conn.Close, nil
	}
}

func env(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
