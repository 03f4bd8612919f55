package counters

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Across all workers, the sequence drawn from a common counter is a
// permutation of a contiguous integer range with no duplicates up to the
// configured high bound.
func TestCommon_MonotonicAcrossWorkers(t *testing.T) {
	const lo, hi, workers = 0, 999, 16

	c := NewCommon(lo, hi, true)
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := c.Next()
				if !ok {
					return
				}
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, hi-lo+1)
	sort.Ints(got)
	for i, v := range got {
		assert.Equal(t, lo+i, v)
	}
}
