package loadgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/389ds/ldclt-nuncstans/loadgen/async"
	"github.com/389ds/ldclt-nuncstans/loadgen/asynctracker"
	"github.com/389ds/ldclt-nuncstans/loadgen/drivers"
	"github.com/389ds/ldclt-nuncstans/loadgen/imagepool"
	"github.com/389ds/ldclt-nuncstans/loadgen/randfmt"
	"github.com/389ds/ldclt-nuncstans/loadgen/repcheck"
	"github.com/389ds/ldclt-nuncstans/loadgen/scalab01"
	"github.com/389ds/ldclt-nuncstans/loadgen/stats"
	"github.com/389ds/ldclt-nuncstans/loadgen/template"
)

// WorkerStatus is one of the worker lifecycle states from §3's worker
// context: `FREE/CREATED/INITIATED/RUNNING/DEAD/MUST_SHUTDOWN`.
type WorkerStatus uint32

const (
	StatusFree WorkerStatus = iota
	StatusCreated
	StatusInitiated
	StatusRunning
	StatusDead
	StatusMustShutdown
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusCreated:
		return "CREATED"
	case StatusInitiated:
		return "INITIATED"
	case StatusRunning:
		return "RUNNING"
	case StatusDead:
		return "DEAD"
	case StatusMustShutdown:
		return "MUST_SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// workerState is a lock-free status holder, the same single-CAS pattern
// the reactor pool uses for job state: an ordinary transition is one
// CompareAndSwap, and MUST_SHUTDOWN can be requested from any state
// without taking a lock.
type workerState struct{ v atomic.Uint32 }

func (s *workerState) Load() WorkerStatus   { return WorkerStatus(s.v.Load()) }
func (s *workerState) Store(v WorkerStatus) { s.v.Store(uint32(v)) }
func (s *workerState) CAS(from, to WorkerStatus) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// OpKind selects which driver a worker's main loop invokes each
// iteration, resolved once from EOptions at worker construction, matching
// the upstream generator's "one dominant operation mode per run" contract
// (§6's `-e` sub-options are not all mutually exclusive in form, but only
// one drives the per-iteration operation).
type OpKind int

const (
	OpModify OpKind = iota
	OpAdd
	OpDelete
	OpRename
	OpSearch
	OpBindOnly
)

// ResolveOp picks the dominant operation from EOptions, in the priority
// order the command-line sub-options are documented in (§6): add, delete,
// rename, esearch, bindonly, else the default modify-replace.
func ResolveOp(e EOptions) OpKind {
	switch {
	case e.Add:
		return OpAdd
	case e.Delete:
		return OpDelete
	case e.Rename:
		return OpRename
	case e.ESearch:
		return OpSearch
	case e.BindOnly:
		return OpBindOnly
	default:
		return OpModify
	}
}

// Driver is the operation surface a Worker drives, satisfied by
// *drivers.Connection; tests substitute a fake to exercise worker logic
// without a real LDAP server.
type Driver interface {
	Reframe() error
	Close() error

	Add(dn string, attrs map[string][]string, countEach bool) drivers.Result
	Delete(dn string, countEach bool) drivers.Result
	ModifyReplace(dn, attr string, value []byte) drivers.Result
	Rename(oldDN, newRDN, newParent string, withNewParent bool) drivers.Result
	ExactSearch(base, filter string, scope int, attrs []string, sizeLimit, timeLimitSeconds int, derefAttr string) drivers.Result
	Abandon(base, filter string) drivers.Result
	BindOnly() drivers.Result
}

// Dialer opens a worker's connection. The default wraps drivers.Dial;
// tests inject a fake to avoid a real LDAP server.
type Dialer func(url string, cfg drivers.BindConfig) (Driver, error)

func dialDrivers(url string, cfg drivers.BindConfig) (Driver, error) {
	return drivers.Dial(url, cfg)
}

// WorkerParams assembles everything one worker thread needs, derived by
// cmd/ldclt's composition root from a parsed Config and the shared
// template Object. It is a distinct, flatter type from Config/EOptions so
// Worker itself never has to interpret CLI sub-option grammar.
type WorkerParams struct {
	ID   int
	URL  string
	Bind drivers.BindConfig

	Object *template.Object // shared, read-only across every worker
	Base   string
	// BaseRange, if non-nil, prefixes Base with a per-worker incrementing
	// (or wrapping) number as its first component each iteration (the
	// `-r`/`-R` random-base-DN range), modelling the worker context's
	// "per-worker incremental counter" (§3).
	BaseRange *randfmt.Counter

	Filter        string
	Scope         int
	SizeLimit     int
	TimeLimit     int
	DerefAttr     string
	AttrList      []string
	ModifyAttr    string
	WithNewParent bool
	NewParent     string
	CountEach     bool

	// Images, if non-nil, overrides the rendered "jpegphoto" attribute
	// (§6 `-e imagesdir=`) with the next pooled image blob each
	// iteration, instead of whatever the object template produced for
	// that attribute.
	Images *imagepool.Pool

	Op OpKind

	// AsyncMax > 0 selects the async accounting path: operations are
	// still issued through Driver synchronously (go-ldap's stable
	// surface gives no raw message-id submission, the same constraint
	// already documented for drivers.Abandon). Each operation is added to a
	// per-worker asynctracker.Tracker before the call and removed right
	// after it, so at most one entry is ever outstanding. The shared
	// async.Drainer is invoked only when the tracker holds AsyncMax or more
	// entries; AsyncMin is not consulted.
	AsyncMax, AsyncMin int
	Drainer            *async.Drainer

	RepList *repcheck.OpList // nil disables replication-check recording
	Monitor *stats.Monitor
	Logger  AllocFailureLogger // optional; nil disables per-worker logging

	Scalab01 *Scalab01Params // nil disables the session simulator

	WaitSeconds time.Duration
	TotalOps    int // 0 = unbounded
}

// AllocFailureLogger is the narrow logging surface a Worker uses,
// satisfied by internal/telemetry's adapter; named independently so this
// package never imports a logging facade directly.
type AllocFailureLogger interface {
	LogAllocFailure(op string)
}

// Scalab01Params wires a worker into the shared scalab01 session
// simulator (§4.12): before each operation the worker must acquire a
// modem slot and the DN's login lock; on success it inserts a session
// into the shared Controller instead of settling the account itself (the
// Controller's Tick, driven once a second by cmd/ldclt's
// runScalab01Controller goroutine, performs the write-back once the
// session's duration elapses).
type Scalab01Params struct {
	Modems         *scalab01.ModemPool
	Locks          *scalab01.DNLock
	Controller     *scalab01.Controller
	WaitSeconds    int
	CnxDuration    int
	AccountingAttr string
	LockAttr       string
}

// Worker drives one LDAP connection through repeated operations per
// §4.2's worker-loop shape and §3's worker-context fields, until told to
// stop or until a NOLOOP/total-ops/error-trip condition ends it.
type Worker struct {
	params WorkerParams
	dial   Dialer

	status workerState

	conn    Driver
	tracker *asynctracker.Tracker

	opCount    atomic.Uint64 // this-sample counter, consulted by stats.Monitor.Sample
	totalOps   atomic.Uint64
	exitStatus atomic.Int32 // ExitCode, valid once status reaches DEAD
	bound      atomic.Bool
	asyncHit   atomic.Bool

	varsMu sync.Mutex // guards vars across the object's attribute renders within one iteration (not shared across workers)
	vars   template.Vars
}

// NewWorker creates a worker in StatusFree. dial may be nil to use the
// real drivers.Dial.
func NewWorker(params WorkerParams, dial Dialer) *Worker {
	if dial == nil {
		dial = dialDrivers
	}
	w := &Worker{params: params, dial: dial, vars: make(template.Vars)}
	if params.AsyncMax > 0 {
		w.tracker = asynctracker.New()
	}
	return w
}

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() WorkerStatus { return w.status.Load() }

// ExitStatus returns the exit code the worker terminated with; only
// meaningful once Status is StatusDead.
func (w *Worker) ExitStatus() ExitCode { return ExitCode(w.exitStatus.Load()) }

// RequestShutdown transitions the worker to MUST_SHUTDOWN unless it has
// already reached DEAD, per §4.10 step 1. Safe to call from any
// goroutine, at any time, any number of times.
func (w *Worker) RequestShutdown() {
	for {
		cur := w.status.Load()
		if cur == StatusDead {
			return
		}
		if w.status.CAS(cur, StatusMustShutdown) {
			return
		}
	}
}

// SampleAndReset implements stats.WorkerCounter: atomically reads and
// zeroes the per-sample operation counter (§4.9).
func (w *Worker) SampleAndReset() uint64 { return w.opCount.Swap(0) }

// TotalOps returns the total operations issued across the worker's
// lifetime.
func (w *Worker) TotalOps() uint64 { return w.totalOps.Load() }

// Bound reports whether the worker has ever successfully established its
// connection (§3's worker-context "bound-flag").
func (w *Worker) Bound() bool { return w.bound.Load() }

// AsyncHit reports whether the worker has issued at least one async-mode
// operation (§3's worker-context "async-hit flag").
func (w *Worker) AsyncHit() bool { return w.asyncHit.Load() }

// Run drives the worker loop until shutdown is requested, the connection
// cannot be established, a NOLOOP field is exhausted, the per-worker
// total-ops budget is reached, or an error trips the max-errors watchdog.
// It always leaves the worker in StatusDead with ExitStatus set.
func (w *Worker) Run() {
	w.status.Store(StatusCreated)

	conn, err := w.dial(w.params.URL, w.params.Bind)
	if err != nil {
		if w.params.Logger != nil {
			w.params.Logger.LogAllocFailure("worker dial")
		}
		w.finish(ExitCannotBind)
		return
	}
	w.conn = conn
	w.bound.Store(true)
	w.status.Store(StatusInitiated)
	w.status.Store(StatusRunning)

	exit := w.loop()

	_ = w.conn.Close()
	w.finish(exit)
}

func (w *Worker) finish(code ExitCode) {
	w.exitStatus.Store(int32(code))
	w.status.Store(StatusDead)
}

func (w *Worker) loop() ExitCode {
	for {
		if w.status.Load() == StatusMustShutdown {
			return ExitOK
		}
		if w.params.TotalOps > 0 && w.totalOps.Load() >= uint64(w.params.TotalOps) {
			return ExitOK
		}

		if w.params.Scalab01 != nil {
			if code, done := w.scalab01Gate(); done {
				return code
			}
		}

		if err := w.conn.Reframe(); err != nil {
			return ExitCannotBind
		}

		code, done := w.iterate()
		if done {
			return code
		}

		if w.params.WaitSeconds > 0 {
			time.Sleep(w.params.WaitSeconds)
		}
	}
}

// scalab01Gate applies the acquire-modem/lock-DN precondition from §4.12
// before an iteration is allowed to proceed; returns done=true only if
// the worker should terminate (a held DN lock can simply be retried next
// iteration against a freshly rendered DN, so contention alone never ends
// the worker).
func (w *Worker) scalab01Gate() (ExitCode, bool) {
	sp := w.params.Scalab01
	elapsed := 0
	if !scalab01.AcquireModem(sp.Modems, sp.WaitSeconds, func() int { return elapsed }, func(s int) {
		elapsed += s
		time.Sleep(time.Duration(s) * time.Second)
	}) {
		return ExitResourceLimit, true
	}
	return ExitOK, false
}

// iterate renders one entry and issues the configured operation,
// returning done=true once the worker must stop.
func (w *Worker) iterate() (ExitCode, bool) {
	w.varsMu.Lock()
	for k := range w.vars {
		delete(w.vars, k)
	}
	vars := w.vars
	w.varsMu.Unlock()

	dn, err := w.renderDN(vars)
	if err != nil {
		if errors.Is(err, template.ErrNoLoopExhausted) {
			return ExitOK, true
		}
		return ExitOther, true
	}

	if w.params.Scalab01 != nil {
		if !w.params.Scalab01.Locks.TryLock(dn) {
			return ExitOK, false // another worker owns this DN right now; try again next iteration
		}
	}

	res := w.issue(dn, vars)

	if w.params.Scalab01 != nil && res.ResultCode == 0 {
		w.params.Scalab01.Controller.Insert(dn, 1, w.params.Scalab01.CnxDuration)
		w.params.Scalab01.Locks.Unlock(dn)
	} else if w.params.Scalab01 != nil {
		w.params.Scalab01.Locks.Unlock(dn)
	}

	w.opCount.Add(1)
	w.totalOps.Add(1)

	if res.Err == nil {
		w.params.Monitor.RecordSuccess()
	} else {
		outcome := w.params.Monitor.RecordError(res.ResultCode)
		if outcome.Sleep {
			time.Sleep(time.Second)
		}
		if outcome.Trip {
			return ExitMaxErrors, true
		}
	}

	if res.RecordOp && w.params.RepList != nil {
		w.params.RepList.Append(repcheck.OpKind(res.OpKind), res.DN)
	}

	return ExitOK, false
}

// renderDN builds the target DN for one iteration: the object's `rdn:`
// field (if declared) rendered against a fresh Vars and appended to the
// base (optionally prefixed with a BaseRange number), per §4.4/§3.
func (w *Worker) renderDN(vars template.Vars) (string, error) {
	base := w.params.Base
	if w.params.BaseRange != nil {
		n, ok := w.params.BaseRange.Next()
		if !ok {
			return "", template.ErrNoLoopExhausted
		}
		base = fmt.Sprintf("%d,%s", n, base)
	}

	if w.params.Object == nil || w.params.Object.RDN == nil {
		return base, nil
	}
	rdn, err := template.Render(w.params.Object.RDN, vars)
	if err != nil {
		return "", err
	}
	return rdn + "," + base, nil
}

// issue dispatches to the configured driver, rendering the object's
// attribute templates as needed (§4.6).
func (w *Worker) issue(dn string, vars template.Vars) drivers.Result {
	switch w.params.Op {
	case OpAdd:
		attrs, err := w.renderAttrs(vars)
		if err != nil {
			return drivers.Result{ResultCode: -1, Err: err}
		}
		if w.params.AsyncMax > 0 {
			return w.issueAsync(dn, attrs, func() drivers.Result { return w.conn.Add(dn, attrs, w.params.CountEach) })
		}
		return w.conn.Add(dn, attrs, w.params.CountEach)

	case OpDelete:
		if w.params.AsyncMax > 0 {
			return w.issueAsync(dn, nil, func() drivers.Result { return w.conn.Delete(dn, w.params.CountEach) })
		}
		return w.conn.Delete(dn, w.params.CountEach)

	case OpModify:
		val, err := w.renderOneAttr(w.params.ModifyAttr, vars)
		if err != nil {
			return drivers.Result{ResultCode: -1, Err: err}
		}
		return w.conn.ModifyReplace(dn, w.params.ModifyAttr, []byte(val))

	case OpRename:
		newRDN, err := w.renderRDN(vars)
		if err != nil {
			return drivers.Result{ResultCode: -1, Err: err}
		}
		return w.conn.Rename(dn, newRDN, w.params.NewParent, w.params.WithNewParent)

	case OpSearch:
		return w.conn.ExactSearch(w.params.Base, w.params.Filter, w.params.Scope, w.params.AttrList, w.params.SizeLimit, w.params.TimeLimit, w.params.DerefAttr)

	case OpBindOnly:
		return w.conn.BindOnly()

	default:
		return drivers.Result{ResultCode: -1, Err: fmt.Errorf("loadgen: unhandled op kind %d", w.params.Op)}
	}
}

// issueAsync performs fn synchronously (see WorkerParams.AsyncMax's
// doc-comment for why), adding the operation to the per-worker
// asynctracker before the call and removing it after. The tracker is
// therefore empty whenever the AsyncMax check runs, and with AsyncMax > 0
// the shared async.Drainer is not invoked.
func (w *Worker) issueAsync(dn string, attrs map[string][]string, fn func() drivers.Result) drivers.Result {
	w.asyncHit.Store(true)
	if w.tracker.Len() >= w.params.AsyncMax {
		_ = w.params.Drainer.Drain(context.Background(), w.tracker, w.pendingFetch())
	}
	msgID := int64(w.totalOps.Load())
	flat := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	w.tracker.Add(msgID, dn, flat)
	res := fn()
	_, _ = w.tracker.FindAndRemove(msgID)
	return res
}

// pendingFetch returns a fetch closure draining nothing further: issueAsync
// resolves completions inline (see its doc comment), so the Drainer's
// batch here only needs to observe that this worker currently has no more
// ready completions.
func (w *Worker) pendingFetch() func() (async.Completion, bool) {
	return func() (async.Completion, bool) { return async.Completion{}, false }
}

func (w *Worker) renderAttrs(vars template.Vars) (map[string][]string, error) {
	attrs := make(map[string][]string, len(w.params.Object.Attributes))
	for _, a := range w.params.Object.Attributes {
		v, err := template.Render(&a, vars)
		if err != nil {
			return nil, err
		}
		attrs[a.Name] = []string{v}
	}
	if w.params.Images != nil {
		img, _ := w.params.Images.Next()
		attrs["jpegphoto"] = []string{string(img)}
	}
	return attrs, nil
}

func (w *Worker) renderOneAttr(name string, vars template.Vars) (string, error) {
	for _, a := range w.params.Object.Attributes {
		if a.Name == name {
			return template.Render(&a, vars)
		}
	}
	return "", fmt.Errorf("loadgen: modify attribute %q not declared in object file", name)
}

func (w *Worker) renderRDN(vars template.Vars) (string, error) {
	if w.params.Object == nil || w.params.Object.RDN == nil {
		return "", fmt.Errorf("loadgen: rename requires an object file rdn: line")
	}
	return template.Render(w.params.Object.RDN, vars)
}
