package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_HistogramConsistency(t *testing.T) {
	m := NewMonitor(0, nil, 0, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				m.RecordError(32)
			} else {
				m.RecordSuccess()
			}
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.EqualValues(t, 40, snap.Successes)
	assert.EqualValues(t, 10, snap.Errors[32])
	assert.EqualValues(t, 50, snap.Total)
}

func TestMonitor_MaxErrorsTrip(t *testing.T) {
	m := NewMonitor(3, nil, 0, true)

	var tripped bool
	for i := 0; i < 5; i++ {
		out := m.RecordError(32)
		if out.Trip {
			tripped = true
		}
	}
	require.True(t, tripped)
}

func TestMonitor_IgnoredErrorNeverTrips(t *testing.T) {
	m := NewMonitor(3, []int{32}, 0, true)

	for i := 0; i < 100; i++ {
		out := m.RecordError(32)
		require.False(t, out.Trip)
	}
}

func TestMonitor_ServerDownSleepPolicy(t *testing.T) {
	m := NewMonitor(0, []int{ResultServerDown}, 0, false)
	out := m.RecordError(ResultServerDown)
	assert.True(t, out.Sleep)

	m2 := NewMonitor(0, []int{ResultServerDown}, 0, true)
	out2 := m2.RecordError(ResultServerDown)
	assert.False(t, out2.Sleep)
}

type fakeCounter struct{ n uint64 }

func (f *fakeCounter) SampleAndReset() uint64 {
	v := f.n
	f.n = 0
	return v
}

func TestMonitor_InactivityDetection(t *testing.T) {
	m := NewMonitor(0, nil, 2, true)
	idle := []WorkerCounter{&fakeCounter{}, &fakeCounter{}}

	_, inactive := m.Sample(idle)
	require.False(t, inactive)
	_, inactive = m.Sample(idle)
	require.True(t, inactive)

	// streak resets after reporting
	_, inactive = m.Sample(idle)
	require.False(t, inactive)
}
