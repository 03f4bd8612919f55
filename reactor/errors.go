package reactor

import "fmt"

// Result encapsulates the set of outcomes that can occur when interacting
// with the reactor. A distinct Result (rather than a bare error) lets
// callers branch on *why* a request failed without string matching.
type Result int

const (
	// Success indicates the operation succeeded.
	Success Result = iota
	// Shutdown indicates the pool is shutting down or has shut down; the
	// request was rejected.
	Shutdown
	// AllocationFailure indicates a resource (job, worker, fd registration)
	// could not be allocated.
	AllocationFailure
	// InvalidRequest indicates the request itself is never valid, regardless
	// of job state (e.g. TypeAccept|TypeThread).
	InvalidRequest
	// InvalidState indicates the request is valid in general, but not from
	// the job's current state.
	InvalidState
	// ThreadFailure indicates a lower-level OS thread operation failed.
	ThreadFailure
	// Deleting indicates the job is already scheduled for deletion.
	Deleting
)

// String returns a human-readable name for the result, mirroring the
// identifier used in log lines and error messages.
func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Shutdown:
		return "Shutdown"
	case AllocationFailure:
		return "AllocationFailure"
	case InvalidRequest:
		return "InvalidRequest"
	case InvalidState:
		return "InvalidState"
	case ThreadFailure:
		return "ThreadFailure"
	case Deleting:
		return "Deleting"
	default:
		return "Unknown"
	}
}

// Error wraps a Result as a Go error, letting callers use errors.Is against
// a sentinel while APIs that prefer the bare Result can keep using it
// directly.
type Error struct {
	Result Result
	Op     string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reactor: %s: %s: %s", e.Op, e.Result, e.Cause)
	}
	return fmt.Sprintf("reactor: %s: %s", e.Op, e.Result)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Result, letting
// callers write errors.Is(err, &reactor.Error{Result: reactor.Shutdown}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Result == e.Result
}

func newErr(op string, result Result) *Error {
	return &Error{Op: op, Result: result}
}
