package loadgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/389ds/ldclt-nuncstans/loadgen/drivers"
	"github.com/389ds/ldclt-nuncstans/loadgen/randfmt"
	"github.com/389ds/ldclt-nuncstans/loadgen/repcheck"
	"github.com/389ds/ldclt-nuncstans/loadgen/stats"
	"github.com/389ds/ldclt-nuncstans/loadgen/template"
)

func TestResolveOp_PriorityOrder(t *testing.T) {
	assert.Equal(t, OpAdd, ResolveOp(EOptions{Add: true, Delete: true}))
	assert.Equal(t, OpDelete, ResolveOp(EOptions{Delete: true, Rename: true}))
	assert.Equal(t, OpRename, ResolveOp(EOptions{Rename: true, ESearch: true}))
	assert.Equal(t, OpSearch, ResolveOp(EOptions{ESearch: true, BindOnly: true}))
	assert.Equal(t, OpBindOnly, ResolveOp(EOptions{BindOnly: true}))
	assert.Equal(t, OpModify, ResolveOp(EOptions{}))
}

type fakeDriver struct {
	addResult    drivers.Result
	reframeErr   error
	closed       bool
	addCalls     int
	lastAddAttrs map[string][]string
}

func (f *fakeDriver) Reframe() error { return f.reframeErr }
func (f *fakeDriver) Close() error   { f.closed = true; return nil }
func (f *fakeDriver) Add(dn string, attrs map[string][]string, countEach bool) drivers.Result {
	f.addCalls++
	f.lastAddAttrs = attrs
	return f.addResult
}
func (f *fakeDriver) Delete(dn string, countEach bool) drivers.Result { return drivers.Result{} }
func (f *fakeDriver) ModifyReplace(dn, attr string, value []byte) drivers.Result {
	return drivers.Result{}
}
func (f *fakeDriver) Rename(oldDN, newRDN, newParent string, withNewParent bool) drivers.Result {
	return drivers.Result{}
}
func (f *fakeDriver) ExactSearch(base, filter string, scope int, attrs []string, sizeLimit, timeLimitSeconds int, derefAttr string) drivers.Result {
	return drivers.Result{}
}
func (f *fakeDriver) Abandon(base, filter string) drivers.Result { return drivers.Result{} }
func (f *fakeDriver) BindOnly() drivers.Result                   { return drivers.Result{} }

func testObject(t *testing.T) *template.Object {
	t.Helper()
	obj, err := template.Parse(strings.NewReader("rdn: cn=[CONSTANT(fixed)]\ncn: [CONSTANT(fixed)]\n"), template.ParseOptions{})
	require.NoError(t, err)
	return obj
}

func TestWorker_SyncAddSuccessRecordsOpAndSuccess(t *testing.T) {
	fd := &fakeDriver{addResult: drivers.Result{ResultCode: 0, RecordOp: true, OpKind: drivers.OpAdd, DN: "cn=fixed,dc=example"}}
	list := repcheck.NewOpList()
	list.RegisterChecker() // so Append actually records

	monitor := stats.NewMonitor(0, nil, 0, false)
	w := NewWorker(WorkerParams{
		URL:     "ldap://unused",
		Object:  testObject(t),
		Base:    "dc=example",
		Op:      OpAdd,
		RepList:  list,
		Monitor:  monitor,
		TotalOps: 1,
	}, func(string, drivers.BindConfig) (Driver, error) { return fd, nil })

	w.Run()

	assert.Equal(t, StatusDead, w.Status())
	assert.Equal(t, ExitOK, w.ExitStatus())
	assert.EqualValues(t, 1, fd.addCalls)
	assert.True(t, fd.closed)
	assert.EqualValues(t, 1, monitor.Snapshot().Successes)
	assert.NotNil(t, list.Head())
}

func TestWorker_DialFailureExitsCannotBind(t *testing.T) {
	w := NewWorker(WorkerParams{
		URL:     "ldap://unused",
		Object:  testObject(t),
		Base:    "dc=example",
		Op:      OpAdd,
		Monitor: stats.NewMonitor(0, nil, 0, false),
	}, func(string, drivers.BindConfig) (Driver, error) { return nil, assertErr{} })

	w.Run()

	assert.Equal(t, ExitCannotBind, w.ExitStatus())
}

type assertErr struct{}

func (assertErr) Error() string { return "dial failed" }

func TestWorker_NoLoopBaseRangeExhaustionEndsOK(t *testing.T) {
	fd := &fakeDriver{addResult: drivers.Result{ResultCode: 0}}
	w := NewWorker(WorkerParams{
		URL:       "ldap://unused",
		Object:    testObject(t),
		Base:      "dc=example",
		BaseRange: randfmt.NewCounter(1, 1, true), // exhausts after the very first value
		Op:        OpAdd,
		Monitor:   stats.NewMonitor(0, nil, 0, false),
	}, func(string, drivers.BindConfig) (Driver, error) { return fd, nil })

	w.Run()

	assert.Equal(t, ExitOK, w.ExitStatus())
	assert.EqualValues(t, 1, fd.addCalls)
}

func TestWorker_MaxErrorsTripsShutdown(t *testing.T) {
	fd := &fakeDriver{addResult: drivers.Result{ResultCode: 68, Err: assertErr{}}}
	monitor := stats.NewMonitor(1, nil, 0, false)
	w := NewWorker(WorkerParams{
		URL:     "ldap://unused",
		Object:  testObject(t),
		Base:    "dc=example",
		Op:      OpAdd,
		Monitor: monitor,
	}, func(string, drivers.BindConfig) (Driver, error) { return fd, nil })

	w.Run()

	assert.Equal(t, ExitMaxErrors, w.ExitStatus())
}

func TestWorker_RequestShutdownStopsLoop(t *testing.T) {
	fd := &fakeDriver{addResult: drivers.Result{ResultCode: 0}}
	w := NewWorker(WorkerParams{
		URL:         "ldap://unused",
		Object:      testObject(t),
		Base:        "dc=example",
		Op:          OpAdd,
		Monitor:     stats.NewMonitor(0, nil, 0, false),
		WaitSeconds: 10 * time.Millisecond,
	}, func(string, drivers.BindConfig) (Driver, error) { return fd, nil })

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	time.Sleep(15 * time.Millisecond)
	w.RequestShutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after RequestShutdown")
	}
	assert.Equal(t, ExitOK, w.ExitStatus())
}

func TestWorker_SampleAndResetZeroesCounter(t *testing.T) {
	fd := &fakeDriver{addResult: drivers.Result{ResultCode: 0}}
	w := NewWorker(WorkerParams{
		URL:      "ldap://unused",
		Object:   testObject(t),
		Base:     "dc=example",
		Op:       OpAdd,
		Monitor:  stats.NewMonitor(0, nil, 0, false),
		TotalOps: 3,
	}, func(string, drivers.BindConfig) (Driver, error) { return fd, nil })

	w.Run()

	assert.EqualValues(t, 3, w.TotalOps())
	assert.EqualValues(t, 3, w.SampleAndReset())
	assert.EqualValues(t, 0, w.SampleAndReset())
}
