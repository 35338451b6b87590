// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in enqueue order, one at a time unless the
//     lane's concurrency is raised.
//   - Tasks in different lanes may execute concurrently.
//   - A caller whose context ends while its task is still queued gets the
//     context error and the task never runs.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
