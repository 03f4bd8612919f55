// Package stats implements the per-operation error histogram, inactivity
// detector, and maxErrors watchdog described in §4.9 ("Monitor and
// watchdog"). Counting is unconditional and exact, so the error and
// success counters always sum to the total operations attempted;
// logging of repeated
// identical errors is rate-limited through a catrate.Limiter so a
// server stuck returning the same error doesn't flood the console —
// that throttling never affects what gets counted.
package stats

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// LDAP result codes referenced directly by the watchdog's sleep policy
// (§4.9: "server-down and connect-error types additionally sleep one
// second unless DONT_SLEEP_DOWN is set").
const (
	ResultServerDown   = 81
	ResultConnectError = 91
)

// Outcome is returned by RecordError so the caller (which holds no
// locks belonging to this package) can act on it: sleeping and
// trip-exiting both require doing things this package must not do
// under its own mutex.
type Outcome struct {
	// Trip is true once this error code's count exceeds maxErrors and
	// the code is not in the ignore set — the caller should exit with
	// ExitMaxErrors after one final global stats print.
	Trip bool
	// Sleep is true for an ignored server-down/connect-error
	// observation, unless dontSleepOnServerDown was configured.
	Sleep bool
}

// Snapshot is a point-in-time copy of the histogram, suitable for a
// periodic or signal-triggered global statistics report.
type Snapshot struct {
	Successes uint64
	Errors    map[int]uint64
	Total     uint64
}

// Monitor accumulates the error histogram and success counter (§5:
// "single mutex, critical section is one array increment"), and tracks
// the inactivity streak described in §4.9.
type Monitor struct {
	mu        sync.Mutex
	errors    map[int]uint64
	successes uint64

	maxErrors             int
	ignore                map[int]bool
	dontSleepOnServerDown bool

	suspectStreak int
	inactivMax    int

	logLimiter *catrate.Limiter
}

// NewMonitor builds a Monitor from the `-E`, `-I`, `-i`, and
// `dontsleeponserverdown` configuration values.
func NewMonitor(maxErrors int, ignoreCodes []int, inactivMax int, dontSleepOnServerDown bool) *Monitor {
	ignore := make(map[int]bool, len(ignoreCodes))
	for _, c := range ignoreCodes {
		ignore[c] = true
	}
	return &Monitor{
		errors:                make(map[int]uint64),
		maxErrors:             maxErrors,
		ignore:                ignore,
		inactivMax:            inactivMax,
		dontSleepOnServerDown: dontSleepOnServerDown,
		// one log line per error code per second; the histogram itself
		// is unaffected, see ShouldLog.
		logLimiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
	}
}

// RecordSuccess counts one successful operation.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.successes++
	m.mu.Unlock()
}

// RecordError counts one observed LDAP error code and reports what the
// caller must do about it.
func (m *Monitor) RecordError(code int) Outcome {
	m.mu.Lock()
	m.errors[code]++
	count := m.errors[code]
	ignored := m.ignore[code]
	m.mu.Unlock()

	var out Outcome
	if !ignored && m.maxErrors > 0 && count > uint64(m.maxErrors) {
		out.Trip = true
	}
	if ignored && (code == ResultServerDown || code == ResultConnectError) && !m.dontSleepOnServerDown {
		out.Sleep = true
	}
	return out
}

// ShouldLog reports whether the caller should print a line for this
// error observation right now, rate-limited to avoid flooding stdout
// when a server returns the same error repeatedly. Independent of
// RecordError's counting, which is always exact.
func (m *Monitor) ShouldLog(code int) bool {
	_, ok := m.logLimiter.Allow(code)
	return ok
}

// Snapshot copies the current counters for a global statistics report.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Successes: m.successes, Errors: make(map[int]uint64, len(m.errors))}
	s.Total = m.successes
	for code, n := range m.errors {
		s.Errors[code] = n
		s.Total += n
	}
	return s
}

// WorkerCounter is the per-worker per-sample op counter consulted by
// Sample; a worker atomically reads and zeroes it under its own
// counter-mutex (§4.9).
type WorkerCounter interface {
	SampleAndReset() uint64
}

// Sample performs one monitor tick (§4.9): sum every worker's
// per-sample counter, and report whether the process has now been
// inactive for inactivMax consecutive samples. When inactivity is
// reported the suspect streak resets, matching "report inactivity and
// reset the local suspect counter".
func (m *Monitor) Sample(workers []WorkerCounter) (total uint64, inactive bool) {
	for _, w := range workers {
		total += w.SampleAndReset()
	}

	m.mu.Lock()
	if total == 0 {
		m.suspectStreak++
	} else {
		m.suspectStreak = 0
	}
	if m.inactivMax > 0 && m.suspectStreak >= m.inactivMax {
		inactive = true
		m.suspectStreak = 0
	}
	m.mu.Unlock()

	return total, inactive
}
