package sbqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nrfta/go-sbqueue"
	sbqTesting "github.com/nrfta/go-sbqueue/testing"
)

var _ = Describe("Relay#Run", func() {
	var (
		store *sbqTesting.MemoryStore
		ctx   context.Context
		stop  context.CancelFunc
		done  chan error
	)

	BeforeEach(func() {
		store = sbqTesting.NewMemoryStore()
		ctx, stop = context.WithCancel(context.Background())
		done = make(chan error, 1)
	})

	AfterEach(func() {
		stop()
		Eventually(done).Should(Receive(BeNil()))
	})

	enqueue := func(bodies ...string) {
		c := sbqueue.NewClient(store, sbqueue.WithClientLogger(log.NewNopLogger()))
		for _, b := range bodies {
			Expect(c.Send(context.Background(), b)).To(Succeed())
		}
		Expect(c.Commit()).To(Succeed())
	}

	run := func(r *sbqueue.Relay) {
		go func() {
			done <- r.Run(ctx)
		}()
	}

	It("should forward every committed message and drain the queue", func() {
		var bodies []string
		for i := 0; i < 20; i++ {
			bodies = append(bodies, fmt.Sprintf("message-%d", i))
		}
		enqueue(bodies...)

		broker := sbqTesting.NewRecordingBroker(nil)
		run(sbqueue.NewRelay(store, broker, nil,
			sbqueue.WithRelayLogger(log.NewNopLogger()),
			sbqueue.WithWorkers(4),
			sbqueue.WithPollInterval(10*time.Millisecond),
		))

		Eventually(func() int { return len(broker.Messages()) }).Should(Equal(len(bodies)))
		Eventually(store.Len).Should(Equal(0))

		var got []string
		for _, m := range broker.Messages() {
			got = append(got, m.Body)
		}
		Expect(got).To(ConsistOf(bodies))
	})

	It("should redeliver after a broker failure", func() {
		enqueue("TEST_MESSAGE")

		var failures int32
		broker := sbqTesting.NewRecordingBroker(func(sbqueue.Message) error {
			if atomic.AddInt32(&failures, 1) == 1 {
				return errors.New("unavailable")
			}
			return nil
		})
		run(sbqueue.NewRelay(store, broker, nil,
			sbqueue.WithRelayLogger(log.NewNopLogger()),
			sbqueue.WithWorkers(1),
			sbqueue.WithPollInterval(10*time.Millisecond),
		))

		Eventually(broker.Messages).Should(HaveLen(1))
		Expect(broker.Calls()).To(Equal(2))
		Eventually(store.Len).Should(Equal(0))
	})

	It("should dead letter a message the broker keeps rejecting", func() {
		enqueue("POISON")

		cause := errors.New("rejected")
		broker := sbqTesting.NewRecordingBroker(func(sbqueue.Message) error { return cause })
		dlq := sbqTesting.NewRecordingDeadLetterQueue(nil)
		run(sbqueue.NewRelay(store, broker, dlq,
			sbqueue.WithRelayLogger(log.NewNopLogger()),
			sbqueue.WithWorkers(1),
			sbqueue.WithMaxAttempts(3),
			sbqueue.WithPollInterval(10*time.Millisecond),
		))

		Eventually(dlq.Letters).Should(HaveLen(1))
		letter := dlq.Letters()[0]
		Expect(letter.Message.Body).To(Equal("POISON"))
		Expect(letter.Err).To(MatchError(cause))
		Expect(letter.Message.Delivery).ToNot(BeEmpty())
		Expect(broker.Calls()).To(Equal(3))
		Eventually(store.Len).Should(Equal(0))
	})

	It("should dead letter a message whose broker send timed out", func() {
		enqueue("SLOW")

		dlq := sbqTesting.NewRecordingDeadLetterQueue(nil)
		run(sbqueue.NewRelay(store, stallingBroker{}, dlq,
			sbqueue.WithRelayLogger(log.NewNopLogger()),
			sbqueue.WithWorkers(1),
			sbqueue.WithMaxAttempts(1),
			sbqueue.WithSendTimeout(20*time.Millisecond),
			sbqueue.WithPollInterval(10*time.Millisecond),
		))

		Eventually(dlq.Letters).Should(HaveLen(1))
		Expect(dlq.Letters()[0].Err).To(MatchError(context.DeadlineExceeded))
		Eventually(store.Len).Should(Equal(0))
	})

	It("should keep running while the store is unavailable", func() {
		store.FailBegin(errors.New("login failed"))
		broker := sbqTesting.NewRecordingBroker(nil)
		run(sbqueue.NewRelay(store, broker, nil,
			sbqueue.WithRelayLogger(log.NewNopLogger()),
			sbqueue.WithWorkers(1),
			sbqueue.WithPollInterval(10*time.Millisecond),
		))

		Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

		store.FailBegin(nil)
		enqueue("TEST_MESSAGE")
		Eventually(broker.Messages).Should(HaveLen(1))
	})
})

var _ = Describe("Relay#Run with an undeliverable message", func() {
	It("should stop instead of rolling back past max attempts", func() {
		store := sbqTesting.NewMemoryStore()
		c := sbqueue.NewClient(store, sbqueue.WithClientLogger(log.NewNopLogger()))
		Expect(c.Send(context.Background(), "POISON")).To(Succeed())
		Expect(c.Commit()).To(Succeed())

		for name, dlq := range map[string]sbqueue.DeadLetterQueue{
			"without a DLQ": nil,
			"with a failing DLQ": sbqTesting.NewRecordingDeadLetterQueue(func(sbqueue.Message, error) error {
				return errors.New("dlq unavailable")
			}),
		} {
			broker := sbqTesting.NewRecordingBroker(func(sbqueue.Message) error { return errors.New("rejected") })
			relay := sbqueue.NewRelay(store, broker, dlq,
				sbqueue.WithRelayLogger(log.NewNopLogger()),
				sbqueue.WithWorkers(2),
				sbqueue.WithMaxAttempts(3),
				sbqueue.WithPollInterval(10*time.Millisecond),
			)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := relay.Run(ctx)
			cancel()

			Expect(err).To(MatchError(sbqueue.ErrUndeliverable), name)
			Expect(broker.Calls()).To(Equal(3), name)
			Expect(store.Len()).To(Equal(1), name+": message stays queued")
		}
	})
})

// stallingBroker never answers before the send deadline.
type stallingBroker struct{}

func (stallingBroker) Send(ctx context.Context, _ sbqueue.Message) error {
	<-ctx.Done()
	return ctx.Err()
}
