package sbqueue_test

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nrfta/go-sbqueue"
	sbqTesting "github.com/nrfta/go-sbqueue/testing"
)

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		store  *sbqTesting.MemoryStore
		client *sbqueue.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = sbqTesting.NewMemoryStore()
		client = sbqueue.NewClient(store, sbqueue.WithClientLogger(log.NewNopLogger()))
	})

	expectEmpty := func() {
		_, ok, err := client.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeFalse(), "no more message should be enqueued")
	}

	It("should consume a committed message exactly once", func() {
		Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
		Expect(client.Commit()).To(Succeed())

		msg, ok, err := client.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(msg.Body).To(Equal("TEST_MESSAGE"))

		_, ok, err = client.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeFalse(), "only one result should be expected from a receive")
		Expect(client.Commit()).To(Succeed())

		expectEmpty()
	})

	It("should never deliver a rolled back send", func() {
		Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
		Expect(client.Rollback()).To(Succeed())

		expectEmpty()
	})

	It("should redeliver a rolled back receive", func() {
		Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
		Expect(client.Commit()).To(Succeed())

		msg, ok, err := client.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(msg.Body).To(Equal("TEST_MESSAGE"))
		Expect(client.Rollback()).To(Succeed())

		again, ok, err := client.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue(), "message was requeued")
		Expect(again.Body).To(Equal("TEST_MESSAGE"))
		Expect(again.Conversation).To(Equal(msg.Conversation))
		Expect(client.Commit()).To(Succeed())

		expectEmpty()
	})

	It("should keep sends invisible to other clients until commit", func() {
		other := sbqueue.NewClient(store, sbqueue.WithClientLogger(log.NewNopLogger()))

		Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
		_, ok, err := other.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeFalse())
		Expect(other.Rollback()).To(Succeed())

		Expect(client.Commit()).To(Succeed())
		_, ok, err = other.Receive(ctx)
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(other.Commit()).To(Succeed())
	})

	Describe("state", func() {
		It("should move between idle and pending", func() {
			Expect(client.State()).To(Equal(sbqueue.StateIdle))

			Expect(client.Send(ctx, "a")).To(Succeed())
			Expect(client.State()).To(Equal(sbqueue.StatePending))
			Expect(client.Send(ctx, "b")).To(Succeed())
			Expect(store.Commits() + store.Rollbacks()).To(Equal(0))

			Expect(client.Commit()).To(Succeed())
			Expect(client.State()).To(Equal(sbqueue.StateIdle))
			Expect(store.Len()).To(Equal(2))
		})

		It("should treat commit and rollback as no-ops while idle", func() {
			Expect(client.Commit()).To(Succeed())
			Expect(client.Rollback()).To(Succeed())
			Expect(store.Commits()).To(Equal(0))
			Expect(store.Rollbacks()).To(Equal(0))
		})

		It("should roll back on close and refuse further use", func() {
			Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
			Expect(client.Close()).To(Succeed())
			Expect(client.State()).To(Equal(sbqueue.StateClosed))
			Expect(store.Len()).To(Equal(0))

			err := client.Send(ctx, "late")
			Expect(err).To(MatchError(sbqueue.ErrClosed))
			_, _, err = client.Receive(ctx)
			Expect(err).To(MatchError(sbqueue.ErrClosed))
			Expect(client.Commit()).To(MatchError(sbqueue.ErrClosed))
			Expect(client.Rollback()).To(MatchError(sbqueue.ErrClosed))
			Expect(client.Close()).To(Succeed())
		})

		It("should return to idle when commit fails", func() {
			Expect(client.Send(ctx, "TEST_MESSAGE")).To(Succeed())
			store.FailCommit(errors.New("deadlock victim"))

			Expect(client.Commit()).To(MatchError(ContainSubstring("deadlock victim")))
			Expect(client.State()).To(Equal(sbqueue.StateIdle))
		})
	})

	Describe("errors", func() {
		It("should wrap send failures in SendError", func() {
			cause := errors.New("Cannot find the contract")
			store.FailSend(cause)

			err := client.Send(ctx, "TEST_MESSAGE")
			var sendErr *sbqueue.SendError
			Expect(errors.As(err, &sendErr)).To(BeTrue())
			Expect(err).To(MatchError(cause))
		})

		It("should wrap begin failures in SendError", func() {
			store.FailBegin(errors.New("login failed"))

			err := client.Send(ctx, "TEST_MESSAGE")
			var sendErr *sbqueue.SendError
			Expect(errors.As(err, &sendErr)).To(BeTrue())
			Expect(client.State()).To(Equal(sbqueue.StateIdle))
		})

		It("should wrap receive failures in ReceiveError", func() {
			cause := errors.New("connection reset")
			store.FailReceive(cause)

			_, ok, err := client.Receive(ctx)
			var receiveErr *sbqueue.ReceiveError
			Expect(errors.As(err, &receiveErr)).To(BeTrue())
			Expect(err).To(MatchError(cause))
			Expect(ok).To(BeFalse())
		})
	})
})
