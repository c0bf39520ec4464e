// Package testing provides in-memory implementations of the sbqueue
// interfaces for tests that should not need a SQL Server.
//
// # Key Components
//
// MemoryStore: Implements sbqueue.Store with the transactional behavior of a
// Service Broker queue. Sends become visible on commit, receives lock the
// message until commit (consumed) or rollback (requeued at its original
// position). Failures can be injected per operation.
//
// RecordingBroker and RecordingDeadLetterQueue: Implement sbqueue.MessageBroker
// and sbqueue.DeadLetterQueue by keeping everything they are sent, optionally
// failing through a user supplied function.
//
// # Usage Example
//
//	store := sbqTesting.NewMemoryStore()
//	client := sbqueue.NewClient(store)
//
//	_ = client.Send(ctx, "hello")
//	_ = client.Commit()
//
//	store.Len() // 1
//
// # Trade-offs
//
// MemoryStore models queue visibility and locking, not Service Broker
// conversations. For behavior that depends on SQL Server itself use the
// integration specs of store/mssql, which run against a container.
package testing
