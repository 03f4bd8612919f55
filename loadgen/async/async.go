// Package async wires completion draining for asynchronous operation
// drivers (§4.6 "Async variants") through a microbatch.Batcher: rather than
// every worker draining its own outstanding-request list on its own
// schedule, drain requests from all workers are grouped into small batches
// so the monitor/stats layer observes completions in bursts instead of a
// constant trickle, reducing lock contention on the shared error
// histogram.
package async

import (
	"context"
	"time"

	"github.com/389ds/ldclt-nuncstans/loadgen/asynctracker"
	microbatch "github.com/joeycumines/go-microbatch"
)

// Completion is one retrieved async result, matched back to its tracked
// request.
type Completion struct {
	Entry      asynctracker.Entry
	ResultCode int
}

// Drainer batches per-worker drain requests through a shared
// microbatch.Batcher.
type Drainer struct {
	batcher *microbatch.Batcher[*drainJob]
	handle  func(ctx context.Context, completions []Completion) error
}

type drainJob struct {
	tracker *asynctracker.Tracker
	fetch   func() (Completion, bool) // polls the connection for one more ready completion
}

// NewDrainer creates a Drainer. handle is invoked with every Completion
// produced by a batch of drain requests, in whatever order the batch's
// workers happened to interleave. cmd/ldclt's handler uses it to update the
// shared error histogram; it does not record replication-check operation
// nodes.
func NewDrainer(handle func(ctx context.Context, completions []Completion) error) *Drainer {
	d := &Drainer{handle: handle}
	d.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        32,
		FlushInterval:  10 * time.Millisecond,
		MaxConcurrency: 4,
	}, d.process)
	return d
}

func (d *Drainer) process(ctx context.Context, jobs []*drainJob) error {
	var completions []Completion
	for _, j := range jobs {
		for {
			c, ok := j.fetch()
			if !ok {
				break
			}
			completions = append(completions, c)
		}
	}
	if len(completions) == 0 {
		return nil
	}
	return d.handle(ctx, completions)
}

// Drain submits one worker's pending-completion fetch function as a batch
// job and waits for it (and whatever batch it lands in) to finish. fetch
// should return one ready completion per call, and (zero value, false)
// once nothing more is immediately available.
func (d *Drainer) Drain(ctx context.Context, tracker *asynctracker.Tracker, fetch func() (Completion, bool)) error {
	res, err := d.batcher.Submit(ctx, &drainJob{tracker: tracker, fetch: fetch})
	if err != nil {
		return err
	}
	return res.Wait(ctx)
}

// Close shuts the batcher down, waiting for in-flight batches to finish.
func (d *Drainer) Close() error { return d.batcher.Close() }
