// Package commandqueue provides keyed task execution with FIFO ordering per key.
//
// Invariants:
//   - Tasks for the same key run one at a time in submission order.
//   - Tasks for different keys run concurrently.
//   - A key's worker is started on first submit and exits once its backlog is empty.
//   - A failing or panicking task never stops later tasks for its key.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{Name: "inbound"})
//	defer queue.Close()
//	err := queue.Enqueue(ctx, "conn:peer:root", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
