// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - Submit never blocks the caller; Enqueue waits for the task result.
// - Queue activity is observable through metrics.
//
// The application runtime uses one lane per bot so that the events of one
// bot are handled in arrival order while a slow handler never stalls the
// receive loop or other bots.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	err := queue.Submit(ctx, "qq/10001", func(ctx context.Context) (interface{}, error) {
//		return nil, pipeline.Dispatch(ctx, bot, event)
//	}, nil)
package commandqueue
