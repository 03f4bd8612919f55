package reactor

import "sync"

// Allocator is a pluggable allocation hook, consulted whenever the pool
// needs a Job value. It generalises the original malloc/realloc/calloc/free
// hook set: Go has no manual free, so the hook set is reduced to the two
// operations that matter for an object the GC can't see coming (pool churn
// under load) — Get and Put — plus an optional logging callback invoked on
// allocation failure.
//
// A [defaultAllocator] built by newDefaultAllocator is used when no
// [WithAllocator] option is supplied.
type Allocator interface {
	// Get returns a zeroed *Job, or nil if the allocator is exhausted (a
	// bounded allocator may choose to return nil rather than grow
	// unboundedly; the pool surfaces this as AllocationFailure).
	Get() *Job
	// Put returns a *Job to the allocator once it reaches StateDeleted. The
	// allocator must not reuse the value until Put is called.
	Put(*Job)
}

// AllocFailureLogger is notified whenever the pool fails to obtain a Job
// from the configured Allocator. It is deliberately a narrow interface (not
// a dependency on any particular logging facade) so callers can adapt
// whichever structured logger they use; see internal/telemetry for the
// adapter used by cmd/ldclt.
type AllocFailureLogger interface {
	LogAllocFailure(op string)
}

// defaultAllocator is a sync.Pool-backed Allocator. It never returns nil
// from Get: pooling is purely an optimization over plain allocation, not a
// bound, matching Go's GC-managed memory model.
type defaultAllocator struct {
	pool sync.Pool
}

func newDefaultAllocator() *defaultAllocator {
	a := &defaultAllocator{}
	a.pool.New = func() any { return &Job{} }
	return a
}

func (a *defaultAllocator) Get() *Job {
	j := a.pool.Get().(*Job)
	*j = Job{}
	return j
}

// Put leaves the job's fields as they are, so a handle still held after
// deletion keeps reporting StateDeleted until the value is handed out again
// by Get.
func (a *defaultAllocator) Put(j *Job) {
	a.pool.Put(j)
}
