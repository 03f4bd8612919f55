// Package reactor implements a cooperative, event-driven job execution
// engine: a single event thread multiplexes I/O readiness, timeouts, and
// signal delivery onto a bounded worker-thread pool.
//
// # Architecture
//
// A [Pool] owns one event thread and a fixed set of worker goroutines. Units
// of work are [Job] values with a precise lifecycle ([JobState]); jobs may be
// one-shot or persistent ([TypePersist]), may combine I/O and timeout
// semantics, and survive concurrent arm/fire/rearm/teardown under the rules
// documented on [Pool.AddIOJob], [Job.Rearm], and [Job.Done].
//
// The event thread sits inside the platform [poller] (epoll on Linux, kqueue
// on Darwin). When it observes readiness or a timer deadline, it
// transitions the job from [StateArmed] to [StateQueued] and hands it to the
// work queue; signals are observed by a separate signal-dispatch goroutine,
// which fires their jobs the same way. A worker dequeues, transitions to [StateRunning], invokes the
// callback, and on return transitions to [StateWaiting] (one-shot),
// [StateArmed] (persistent, rearmed), or [StateDeleted] (the callback called
// [Job.Done]).
//
// # Thread safety
//
// [Pool.AddJob], [Pool.AddIOJob], [Pool.AddTimeoutJob], [Pool.AddSignalJob]
// and [Job.Rearm] are safe to call from any goroutine, including from inside
// a job callback. [Job.Wait] must not be called from the event thread or
// from within the job's own callback. [Pool.Shutdown] may be called exactly
// once, from any goroutine; [Pool.Wait] blocks until every worker has
// exited.
package reactor
