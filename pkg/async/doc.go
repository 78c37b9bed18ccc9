// Package async provides safe concurrent execution primitives.
//
// # Overview
//
// SafeGo runs fire-and-forget work (audit writes, cache warming) with panic
// recovery and a timeout. WorkerPool is the bounded execution domain for
// sandbox calls: request goroutines hand work to the pool with Run and wait
// for the result, while the work itself runs on the pool's goroutines.
//
//	pool := async.NewWorkerPool(ctx, runtime.GOMAXPROCS(0), "sandbox", 0)
//	defer pool.Shutdown(5 * time.Second)
//
//	err := pool.Run(reqCtx, func(ctx context.Context) error {
//		return executor.run(ctx, name, input)
//	})
//
// If reqCtx ends first Run returns immediately; the task still completes on
// the pool. A panic inside a task is recovered and returned wrapping ErrPanic.
//
// Batch runs a function over a slice with a temporary pool and collects errors.
package async
