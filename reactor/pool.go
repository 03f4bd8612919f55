package reactor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// signalNumber extracts the underlying signal number from an os.Signal. All
// values os/signal ever delivers on Unix satisfy syscall.Signal.
func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}

// Stats is a point-in-time snapshot of pool activity, generalized from the
// teacher's Loop.Metrics() (eventloop/metrics.go) from a JS-task-loop shape
// to a job-pool shape.
type Stats struct {
	QueueDepth    int
	WorkersBusy   int
	JobsFired     uint64
	JobsCompleted uint64
	AllocFailures uint64
}

// Pool owns a worker set, a work queue, an event-backend handle, a shutdown
// flag, and allocator hooks. See the package doc for the full lifecycle.
type Pool struct {
	allocator Allocator
	logger    AllocFailureLogger

	poller poller
	queue  *workQueue

	mu         sync.Mutex
	timers     timerHeap
	fdJobs     map[int]*Job
	signalJobs map[int]int // signum -> job id, looked up via signalJobByID
	jobsByID   map[int]*Job
	nextJobID  int

	workerCount int
	workersBusy atomic.Int32

	jobsFired     atomic.Uint64
	jobsCompleted atomic.Uint64
	allocFailures atomic.Uint64

	shuttingDown atomic.Bool
	stopOnce     sync.Once
	wg           sync.WaitGroup // event thread + workers
	eventDone    chan struct{}

	sigCh   chan os.Signal
	sigStop chan struct{}
}

// NewPool creates and starts a pool with workerCount worker goroutines and
// one event thread. workerCount must be positive.
func NewPool(workerCount int, opts ...Option) (*Pool, error) {
	if workerCount <= 0 {
		return nil, newErr("NewPool", InvalidRequest)
	}

	cfg := resolveOptions(opts)

	p := &Pool{
		allocator:   cfg.allocator,
		logger:      cfg.logger,
		poller:      newPoller(),
		queue:       newWorkQueue(),
		fdJobs:      make(map[int]*Job),
		signalJobs:  make(map[int]int),
		jobsByID:    make(map[int]*Job),
		workerCount: workerCount,
		eventDone:   make(chan struct{}),
	}
	if p.allocator == nil {
		p.allocator = newDefaultAllocator()
	}

	if err := p.poller.init(); err != nil {
		return nil, &Error{Result: ThreadFailure, Op: "NewPool", Cause: err}
	}

	p.wg.Add(1)
	go p.eventLoop()

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}

	return p, nil
}

func (p *Pool) isShuttingDown() bool { return p.shuttingDown.Load() }

// newJob allocates a job from the configured Allocator, reporting
// AllocationFailure via the configured logger if the allocator is
// exhausted.
func (p *Pool) newJob(typ Type, fn Func, data any) (*Job, Result) {
	j := p.allocator.Get()
	if j == nil {
		p.allocFailures.Add(1)
		if p.logger != nil {
			p.logger.LogAllocFailure("newJob")
		}
		return nil, AllocationFailure
	}
	j.pool = p
	j.typ = typ
	j.fn = fn
	j.userData = data
	j.fd = -1
	j.state = newJobState(StateWaiting)

	p.mu.Lock()
	p.nextJobID++
	id := p.nextJobID
	p.jobsByID[id] = j
	p.mu.Unlock()
	j.id = id

	return j, Success
}

// AddJob creates and arms a job with no event source; it runs once the
// worker pool picks it up. typ must not include TypeAccept, TypeRead,
// TypeWrite, TypeConnect, TypeTimer, or TypeSignal.
func (p *Pool) AddJob(typ Type, fn Func, data any) (*Job, Result) {
	if p.isShuttingDown() {
		return nil, Shutdown
	}
	if typ&(TypeAccept|TypeRead|TypeWrite|TypeConnect|TypeTimer|TypeSignal) != 0 {
		return nil, InvalidRequest
	}
	j, res := p.newJob(typ|TypeThread, fn, data)
	if res != Success {
		return nil, res
	}
	j.state.Store(StateArmed)
	p.fireJob(j, TypeNone)
	return j, Success
}

// AddIOJob creates and arms an I/O readiness job on fd. TypeAccept|TypeThread
// is rejected as InvalidRequest (§4.3) rather than silently ignored. Every
// callback, accept jobs included, runs on a worker goroutine; TypeThread does
// not change where a callback runs.
func (p *Pool) AddIOJob(fd int, typ Type, fn Func, data any) (*Job, Result) {
	return p.AddIOTimeoutJob(fd, 0, typ, fn, data)
}

// AddIOTimeoutJob is AddIOJob with an additional deadline: if the fd does
// not become ready before deadline elapses, the job fires with
// OutputType()==TypeTimer instead. A zero deadline means no timeout.
func (p *Pool) AddIOTimeoutJob(fd int, deadline time.Duration, typ Type, fn Func, data any) (*Job, Result) {
	if p.isShuttingDown() {
		return nil, Shutdown
	}
	if typ&TypeAccept != 0 && typ&TypeThread != 0 {
		return nil, InvalidRequest
	}
	if typ&(TypeRead|TypeWrite|TypeAccept|TypeConnect) == 0 {
		return nil, InvalidRequest
	}
	if fd < 0 {
		return nil, InvalidRequest
	}

	j, res := p.newJob(typ, fn, data)
	if res != Success {
		return nil, res
	}
	j.fd = fd
	if deadline > 0 {
		j.deadline = time.Now().Add(deadline)
	}
	j.state.Store(StateArmed)

	if res := p.register(j); res != Success {
		j.state.Store(StateWaiting)
		return nil, res
	}
	return j, Success
}

// AddTimeoutJob creates and arms a pure-timer job, firing once deadline has
// elapsed.
func (p *Pool) AddTimeoutJob(deadline time.Duration, typ Type, fn Func, data any) (*Job, Result) {
	if p.isShuttingDown() {
		return nil, Shutdown
	}
	j, res := p.newJob(typ|TypeTimer, fn, data)
	if res != Success {
		return nil, res
	}
	j.deadline = time.Now().Add(deadline)
	j.state.Store(StateArmed)
	if res := p.register(j); res != Success {
		j.state.Store(StateWaiting)
		return nil, res
	}
	return j, Success
}

// AddSignalJob creates and arms a job that fires on delivery of signum.
// Delivery goes through a single signal-dispatch goroutine (not the event
// thread), which fires the job through the same Armed->Queued CAS.
func (p *Pool) AddSignalJob(signum os.Signal, typ Type, fn Func, data any) (*Job, Result) {
	if p.isShuttingDown() {
		return nil, Shutdown
	}
	j, res := p.newJob(typ|TypeSignal, fn, data)
	if res != Success {
		return nil, res
	}
	j.signum = signalNumber(signum)
	j.state.Store(StateArmed)
	if res := p.register(j); res != Success {
		j.state.Store(StateWaiting)
		return nil, res
	}
	p.ensureSignalDispatcher(signum)
	return j, Success
}

// register installs a job's event-source interest with the appropriate
// backend (poller for I/O, timer heap for deadlines, signal map for
// signals). It is idempotent-safe against deregister racing on another
// goroutine because both are guarded by p.mu.
func (p *Pool) register(j *Job) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case j.typ.has(TypeRead), j.typ.has(TypeWrite), j.typ.has(TypeAccept), j.typ.has(TypeConnect):
		_, alreadyRegistered := p.fdJobs[j.fd]
		p.fdJobs[j.fd] = j
		read := j.typ.has(TypeRead) || j.typ.has(TypeAccept)
		write := j.typ.has(TypeWrite) || j.typ.has(TypeConnect)
		var err error
		if alreadyRegistered {
			// a persistent job re-arming after a firing: the fd was never
			// removed from the poller between firings, so re-adding it
			// would be rejected by epoll_ctl(ADD) with EEXIST.
			err = p.poller.modify(j.fd, read, write)
		} else {
			err = p.poller.add(j.fd, read, write)
		}
		if err != nil {
			delete(p.fdJobs, j.fd)
			return AllocationFailure
		}
		if !j.deadline.IsZero() {
			j.regHandle = p.timers.push(j.deadline, j)
		}
	case j.typ.has(TypeTimer):
		j.regHandle = p.timers.push(j.deadline, j)
	case j.typ.has(TypeSignal):
		p.signalJobs[j.signum] = j.id
	default:
		return InvalidRequest
	}
	_ = p.poller.wake()
	return Success
}

// deregister removes a job's event-source interest. Safe to call more than
// once; idempotent per §4.1.
func (p *Pool) deregister(j *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j.fd >= 0 {
		if cur, ok := p.fdJobs[j.fd]; ok && cur == j {
			delete(p.fdJobs, j.fd)
			_ = p.poller.remove(j.fd)
		}
	}
	if j.typ.has(TypeTimer) || (j.fd >= 0 && !j.deadline.IsZero()) {
		if e, ok := j.regHandle.(*timerEntry); ok {
			p.timers.remove(e)
		}
		j.regHandle = nil
	}
	if j.typ.has(TypeSignal) {
		if cur, ok := p.signalJobs[j.signum]; ok && cur == j.id {
			delete(p.signalJobs, j.signum)
		}
	}
}

// collect runs the done-callback, releases the fd (unless TypePreserveFD),
// and returns the job to the allocator. Invoked once a job reaches
// StateNeedsDelete.
func (p *Pool) collect(j *Job) {
	if j.doneFn != nil {
		j.doneFn(j)
	}
	if j.fd >= 0 && !j.typ.has(TypePreserveFD) {
		_ = os.NewFile(uintptr(j.fd), "").Close()
	}
	p.mu.Lock()
	delete(p.jobsByID, j.id)
	p.mu.Unlock()

	j.state.Store(StateDeleted)
	j.notifyDeleted()
	p.allocator.Put(j)
}

// eventLoop is the single event thread: it polls for I/O readiness, expired
// timers, and pending signal firings, and hands fired jobs to the work
// queue.
func (p *Pool) eventLoop() {
	defer p.wg.Done()
	defer close(p.eventDone)

	var events []ioEvent
	for {
		if p.isShuttingDown() && p.noMoreArmedJobs() {
			return
		}

		timeoutMillis := p.nextTimeoutMillis()
		events = events[:0]
		var err error
		events, err = p.poller.wait(events, timeoutMillis)
		if err != nil {
			continue
		}

		for _, ev := range events {
			p.handleIOEvent(ev)
		}
		p.handleExpiredTimers()

		if p.isShuttingDown() {
			return
		}
	}
}

// nextTimeoutMillis bounds the poller's blocking wait by the earliest timer
// deadline, capped at 250ms so the loop periodically re-checks the shutdown
// flag and pending signal firings even with no registered timer.
func (p *Pool) nextTimeoutMillis() int {
	const maxPollMillis = 250
	p.mu.Lock()
	deadline, ok := p.timers.peekDeadline()
	p.mu.Unlock()
	if !ok {
		return maxPollMillis
	}
	ms := int(time.Until(deadline) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	if ms > maxPollMillis {
		ms = maxPollMillis
	}
	return ms
}

func (p *Pool) handleIOEvent(ev ioEvent) {
	p.mu.Lock()
	j, ok := p.fdJobs[ev.fd]
	p.mu.Unlock()
	if !ok {
		return
	}

	var out Type
	switch {
	case j.typ.has(TypeAccept):
		out = TypeAccept
	case j.typ.has(TypeConnect):
		out = TypeConnect
	case ev.write && j.typ.has(TypeWrite):
		out = TypeWrite
	case (ev.read || ev.hup || ev.err) && j.typ.has(TypeRead):
		out = TypeRead
	default:
		return
	}

	p.fireJob(j, out)
}

func (p *Pool) handleExpiredTimers() {
	p.mu.Lock()
	fired := p.timers.popExpired(time.Now())
	p.mu.Unlock()

	for _, e := range fired {
		j := e.job
		j.regHandle = nil
		if j.fd >= 0 {
			// combined io+timeout job: the deadline elapsed first, so tear
			// down the fd registration too (§4.1: never both in one
			// firing).
			p.mu.Lock()
			if cur, ok := p.fdJobs[j.fd]; ok && cur == j {
				delete(p.fdJobs, j.fd)
				_ = p.poller.remove(j.fd)
			}
			p.mu.Unlock()
		}
		p.fireJob(j, TypeTimer)
	}
}

// fireJob transitions an armed job to queued and hands it to the work
// queue. No-op if the job isn't armed (e.g. it was raced by a concurrent
// Done).
func (p *Pool) fireJob(j *Job, out Type) {
	if !j.state.CAS(StateArmed, StateQueued) {
		return
	}
	j.outputType = out
	p.jobsFired.Add(1)
	p.queue.push(j)
}

// noMoreArmedJobs reports whether no fd, timer or signal registration
// remains, used by the event thread to decide it may exit during shutdown.
func (p *Pool) noMoreArmedJobs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fdJobs) == 0 && len(p.timers) == 0 && len(p.signalJobs) == 0
}

// workerLoop is one worker goroutine: dequeue, execute, transition.
func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for {
		j := p.queue.pop()
		if j.typ.has(typeShutdownWorker) {
			p.allocator.Put(j)
			return
		}

		p.workersBusy.Add(1)
		if !j.state.CAS(StateQueued, StateRunning) {
			p.workersBusy.Add(-1)
			continue
		}

		j.rearmRequested = false
		if j.fn != nil {
			j.fn(j)
		}
		p.workersBusy.Add(-1)
		p.jobsCompleted.Add(1)

		p.finishRun(j)
	}
}

// finishRun applies the post-callback transition: NeedsDelete (Done was
// called), Armed (persistent + rearmed), or Waiting (one-shot, untouched).
func (p *Pool) finishRun(j *Job) {
	if j.state.Load() == StateNeedsDelete {
		p.deregister(j)
		p.collect(j)
		return
	}

	if j.typ.has(TypePersist) && j.rearmRequested {
		if !j.state.CAS(StateRunning, StateArmed) {
			return
		}
		if res := p.register(j); res != Success {
			j.state.Store(StateWaiting)
		}
		return
	}

	j.state.CAS(StateRunning, StateWaiting)
}

// Shutdown initiates pool shutdown: it may be called from any goroutine,
// exactly once (subsequent calls are no-ops returning Success). It feeds
// exactly workerCount poison jobs to the queue so every worker observes one
// and exits (§4.2).
func (p *Pool) Shutdown() Result {
	p.stopOnce.Do(func() {
		p.shuttingDown.Store(true)
		p.stopSignalDispatcher()
		_ = p.poller.wake()
		for i := 0; i < p.workerCount; i++ {
			poison := &Job{typ: typeShutdownWorker, state: newJobState(StateQueued)}
			p.queue.push(poison)
		}
	})
	return Success
}

// Wait blocks until the event thread and every worker have exited. It must
// be called after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
	_ = p.poller.close()
}

// Stats returns a point-in-time activity snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth:    p.queue.depth(),
		WorkersBusy:   int(p.workersBusy.Load()),
		JobsFired:     p.jobsFired.Load(),
		JobsCompleted: p.jobsCompleted.Load(),
		AllocFailures: p.allocFailures.Load(),
	}
}

// --- signal delivery ---

func (p *Pool) ensureSignalDispatcher(sig os.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sigCh == nil {
		p.sigCh = make(chan os.Signal, 16)
		p.sigStop = make(chan struct{})
		go p.signalDispatchLoop()
	}
	signal.Notify(p.sigCh, sig)
}

func (p *Pool) signalDispatchLoop() {
	for {
		select {
		case <-p.sigStop:
			return
		case sig := <-p.sigCh:
			signum := signalNumber(sig)
			p.mu.Lock()
			id, ok := p.signalJobs[signum]
			var j *Job
			if ok {
				j = p.jobsByID[id]
			}
			p.mu.Unlock()
			if j == nil {
				continue
			}
			p.fireJob(j, TypeSignal)
		}
	}
}

func (p *Pool) stopSignalDispatcher() {
	p.mu.Lock()
	ch := p.sigStop
	p.mu.Unlock()
	if ch != nil {
		signal.Stop(p.sigCh)
		close(ch)
	}
}
