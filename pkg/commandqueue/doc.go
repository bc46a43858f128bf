// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Every lane executes one task at a time, so a lane keyed by user ID
// serializes that user's turns while different users proceed in parallel.
// Lanes are created on first use and dropped once they drain.
//
// Usage:
//
//	q := commandqueue.New()
//	defer q.Close()
//	v, err := q.Enqueue(ctx, "user:42", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	})
package commandqueue
