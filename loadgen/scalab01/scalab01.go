// Package scalab01 implements the session-lifecycle simulator described
// in §4.12: a shared modem-pool usage counter, a min-queue of active
// sessions ordered by remaining time, and a small mutual-exclusion set
// preventing two workers from locking the same DN simultaneously.
//
// Reading/writing the lock and accounting attributes is an LDAP
// concern handled by loadgen/drivers; this package depends only on the
// small Attrs interface below so it has no LDAP import of its own.
package scalab01

import (
	"container/heap"
	"math/rand"
	"strconv"
	"sync"
)

// Attrs is the minimal LDAP read/write surface scalab01 needs: reading
// the lock/accounting attributes and writing them back (§4.12).
type Attrs interface {
	ReadAttr(dn, attr string) (string, error)
	WriteAttr(dn, attr, value string) error
}

// ModemPool bounds the number of concurrently "connected" sessions.
type ModemPool struct {
	mu        sync.Mutex
	used, max int
}

// NewModemPool creates a pool with the given maximum concurrent usage.
func NewModemPool(max int) *ModemPool {
	return &ModemPool{max: max}
}

// TryAcquire claims one modem slot, or reports false if the pool is
// full.
func (p *ModemPool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used >= p.max {
		return false
	}
	p.used++
	return true
}

// Release frees one modem slot.
func (p *ModemPool) Release() {
	p.mu.Lock()
	p.used--
	p.mu.Unlock()
}

// AcquireModem retries TryAcquire with randomised backoff, giving up
// after waitSeconds has elapsed (§4.12 "retry with randomised backoff
// up to wait"). backoff is a caller-supplied sleep function so tests
// can run instantly.
func AcquireModem(p *ModemPool, waitSeconds int, elapsed func() int, backoff func(seconds int)) bool {
	if p.TryAcquire() {
		return true
	}
	for elapsed() < waitSeconds {
		backoff(1 + rand.Intn(2))
		if p.TryAcquire() {
			return true
		}
	}
	return false
}

// DNLock is the "currently logging in" mutual-exclusion set: prevents
// two workers from racing to lock the same DN.
type DNLock struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewDNLock creates an empty exclusion set.
func NewDNLock() *DNLock {
	return &DNLock{active: make(map[string]struct{})}
}

// TryLock claims dn, or reports false if another worker already holds
// it.
func (d *DNLock) TryLock(dn string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.active[dn]; held {
		return false
	}
	d.active[dn] = struct{}{}
	return true
}

// Unlock releases dn.
func (d *DNLock) Unlock(dn string) {
	d.mu.Lock()
	delete(d.active, dn)
	d.mu.Unlock()
}

// Session is one active, timed login (§4.12's `{dn, cost, remaining}`).
// deadline is an absolute tick count rather than a literal countdown:
// since every active session's remaining time decreases by exactly one
// unit per controller tick, the heap order among sessions never
// changes between ticks, so storing an absolute deadline and comparing
// against a monotonic elapsed-tick counter gives the same splice
// behaviour as decrementing every node every second, without needing
// to touch nodes that aren't expiring yet.
type Session struct {
	DN       string
	Cost     int
	deadline int64
	index    int
}

type sessionHeap []*Session

func (h sessionHeap) Len() int           { return len(h) }
func (h sessionHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h sessionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *sessionHeap) Push(x any) {
	s := x.(*Session)
	s.index = len(*h)
	*h = append(*h, s)
}
func (h *sessionHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// Controller owns the min-queue of active sessions, ticked once per
// second (§4.12 "Controller path").
type Controller struct {
	mu      sync.Mutex
	h       sessionHeap
	elapsed int64
}

// NewController creates an empty controller.
func NewController() *Controller { return &Controller{} }

// Insert adds a newly logged-in session, due to expire after
// durationSeconds more ticks (§4.12 "choose duration ∈ [1, cnxduration],
// insert into min-queue").
func (c *Controller) Insert(dn string, cost, durationSeconds int) {
	c.mu.Lock()
	heap.Push(&c.h, &Session{DN: dn, Cost: cost, deadline: c.elapsed + int64(durationSeconds)})
	c.mu.Unlock()
}

// Tick advances the controller's clock by one second and returns every
// session that has now expired, in expiry order. The caller is
// responsible for the per-session write-back (§4.12: read accounting
// attribute, write back accounting+cost, set lock=false, decrement
// modem usage).
func (c *Controller) Tick() []*Session {
	c.mu.Lock()
	c.elapsed++
	var expired []*Session
	for len(c.h) > 0 && c.h[0].deadline <= c.elapsed {
		expired = append(expired, heap.Pop(&c.h).(*Session))
	}
	c.mu.Unlock()
	return expired
}

// Settle performs the per-expired-session write-back (§4.12): read the
// accounting attribute, add cost, write it back, clear the lock
// attribute, and release the modem slot.
func Settle(attrs Attrs, modems *ModemPool, s *Session, accountingAttr, lockAttr string) error {
	defer modems.Release()

	current, err := attrs.ReadAttr(s.DN, accountingAttr)
	if err != nil {
		return err
	}
	prev, _ := strconv.Atoi(current) // non-numeric/absent accounting value treated as 0
	if err := attrs.WriteAttr(s.DN, accountingAttr, strconv.Itoa(prev+s.Cost)); err != nil {
		return err
	}
	return attrs.WriteAttr(s.DN, lockAttr, "FALSE")
}
