package reactor

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 from the testable-properties section: 1000 pure worker jobs
// each incrementing a shared counter, then shutdown+wait.
func TestPool_ThousandThreadJobs(t *testing.T) {
	pool, err := NewPool(4)
	require.NoError(t, err)

	var counter atomic.Int64
	for i := 0; i < 1000; i++ {
		_, res := pool.AddJob(TypeNone, func(j *Job) {
			counter.Add(1)
		}, nil)
		require.Equal(t, Success, res)
	}

	require.Equal(t, Success, pool.Shutdown())
	pool.Wait()

	assert.EqualValues(t, 1000, counter.Load())
}

// Scenario 2: a persistent READ job on a pipe, fed 100 one-byte messages,
// at least 100 invocations, never overlapping.
func TestPool_PersistentPipeJob(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)

	var invocations atomic.Int64
	var running atomic.Bool
	var overlapped atomic.Bool

	job, res := pool.AddIOJob(int(r.Fd()), TypeRead|TypePersist|TypeThread, func(j *Job) {
		if !running.CompareAndSwap(false, true) {
			overlapped.Store(true)
		}
		var buf [1]byte
		_, _ = r.Read(buf[:])
		invocations.Add(1)
		running.Store(false)
		_ = j.Rearm()
	}, nil)
	require.Equal(t, Success, res)
	require.NotNil(t, job)

	for i := 0; i < 100; i++ {
		_, err := w.Write([]byte{1})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return invocations.Load() >= 100
	}, 5*time.Second, 5*time.Millisecond)

	assert.False(t, overlapped.Load(), "persistent job callback must be strictly serialised")

	_ = w.Close()
	_ = r.Close()

	require.Equal(t, Success, pool.Shutdown())
	pool.Wait()
}

// Scenario 3: ACCEPT|THREAD is rejected with InvalidRequest and allocates
// nothing.
func TestPool_AcceptThreadRejected(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)
	defer func() {
		_ = pool.Shutdown()
		pool.Wait()
	}()

	r, _, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	before := pool.Stats()

	j, res := pool.AddIOJob(int(r.Fd()), TypeAccept|TypeThread, func(*Job) {}, nil)
	assert.Equal(t, InvalidRequest, res)
	assert.Nil(t, j)

	after := pool.Stats()
	assert.Equal(t, before.JobsFired, after.JobsFired)
}

// Violating a precondition returns a distinct error and leaves state
// unchanged.
func TestJob_PreconditionViolations(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)
	defer func() {
		_ = pool.Shutdown()
		pool.Wait()
	}()

	done := make(chan struct{})
	j, res := pool.AddJob(TypeNone, func(j *Job) {
		// while RUNNING, SetData must be rejected without altering state.
		r := j.SetData(42)
		assert.Equal(t, InvalidState, r)
		assert.Equal(t, StateRunning, j.State())
		close(done)
	}, nil)
	require.Equal(t, Success, res)
	require.NotNil(t, j)

	<-done
}

// After Done returns Success, no further callback invocation is
// observed.
func TestJob_DoneSafety(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)
	defer func() {
		_ = pool.Shutdown()
		pool.Wait()
	}()

	var invocations atomic.Int64
	j, res := pool.AddJob(TypeNone, func(j *Job) {
		invocations.Add(1)
		require.Equal(t, Success, j.Done())
	}, nil)
	require.Equal(t, Success, res)

	j.Wait()
	assert.EqualValues(t, 1, invocations.Load())

	// a second Done after deletion is rejected, not silently accepted.
	assert.Equal(t, Deleting, j.Done())
}

// shutdown+wait returns in bounded time with every worker exited.
func TestPool_ShutdownLiveness(t *testing.T) {
	pool, err := NewPool(8)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, _ = pool.AddJob(TypeNone, func(j *Job) { time.Sleep(time.Millisecond) }, nil)
	}

	done := make(chan struct{})
	go func() {
		require.Equal(t, Success, pool.Shutdown())
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete in bounded time")
	}
}

func TestPool_RejectsAfterShutdown(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)

	require.Equal(t, Success, pool.Shutdown())
	pool.Wait()

	_, res := pool.AddJob(TypeNone, func(*Job) {}, nil)
	assert.Equal(t, Shutdown, res)
}
