package aggregate

import "context"

// offloadJob is one unit of CPU-bound codec work dispatched to the worker
// goroutine. Peer RPCs are not offloaded; the peer coordinator issues them
// from the calling goroutine.
type offloadJob struct {
	fn     func(ctx context.Context) (interface{}, error)
	result chan offloadResult
}

type offloadResult struct {
	value interface{}
	err   error
}

// offloadBridge runs one long-lived worker goroutine per Aggregator,
// draining a buffered job queue so the iteration driver can cooperatively
// yield while awaiting a completion handle instead of blocking inline.
type offloadBridge struct {
	jobs chan offloadJob
	done chan struct{}
}

func newOffloadBridge(queueDepth int) *offloadBridge {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	b := &offloadBridge{
		jobs: make(chan offloadJob, queueDepth),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *offloadBridge) run() {
	for {
		select {
		case job, ok := <-b.jobs:
			if !ok {
				return
			}
			v, err := job.fn(context.Background())
			job.result <- offloadResult{value: v, err: err}
		case <-b.done:
			return
		}
	}
}

// submit enqueues fn and returns its single-shot completion handle.
func (b *offloadBridge) submit(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (<-chan offloadResult, error) {
	result := make(chan offloadResult, 1)
	select {
	case b.jobs <- offloadJob{fn: fn, result: result}:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// await blocks for a completion handle's result. Cancellation is coarse:
// an in-flight offload is always awaited to completion rather than
// abandoned, so this never selects on ctx.
func (b *offloadBridge) await(result <-chan offloadResult) (interface{}, error) {
	r := <-result
	return r.value, r.err
}

// runSync is a convenience wrapper combining submit+await for call sites that
// have no independent work to overlap with the offload.
func (b *offloadBridge) runSync(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	handle, err := b.submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	return b.await(handle)
}

func (b *offloadBridge) close() {
	close(b.done)
}
