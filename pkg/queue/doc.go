// Package queue runs background tasks backed by a claimable task table.
//
// An Enqueuer stores one-time tasks, a Scheduler materializes periodic tasks
// on an interval, and a Worker claims due tasks and dispatches them to
// registered Handlers. Failed tasks are retried with linear backoff and moved
// to the dead letter table once retries are exhausted. PGStorage claims with
// FOR UPDATE SKIP LOCKED so several replicas can share one queue; MemoryStorage
// serves tests.
//
//	enq, _ := queue.NewEnqueuer(storage)
//	_ = enq.Enqueue(ctx, WelcomeEmail{UserID: id})
//
//	w, _ := queue.NewWorker(storage)
//	_ = w.RegisterHandler(queue.NewTaskHandler(sendWelcome))
//	g.Go(w.Run(ctx))
package queue
