package reactor

import "errors"

// ioEvent is the readiness mask reported by the platform poller for a
// single fd. Exactly one of Readable/Writable/etc. combination maps back to
// one of TypeRead, TypeWrite, TypeAccept, TypeConnect — the poller doesn't
// know which of those the caller meant, so Pool.handleIOEvent picks the right
// one from the job's registered Type (§4.1: "never both in the same
// firing").
type ioEvent struct {
	fd    int
	read  bool
	write bool
	err   bool
	hup   bool
}

// ErrUnsupportedPlatform is returned by poller implementations that do not
// support I/O multiplexing on the current GOOS (see poller_other.go). Pure
// timer and signal jobs remain fully functional; only Pool.AddIOJob is
// affected.
var ErrUnsupportedPlatform = errors.New("reactor: I/O polling is not implemented for this platform")

// poller is the adapter over an OS multiplexer, implemented per-platform in
// poller_linux.go (epoll) and poller_darwin.go (kqueue).
type poller interface {
	// init prepares the poller for use.
	init() error
	// close releases the poller's resources.
	close() error
	// add registers fd for the given read/write interest.
	add(fd int, read, write bool) error
	// modify changes the read/write interest for an already-registered fd.
	modify(fd int, read, write bool) error
	// remove deregisters fd. Idempotent.
	remove(fd int) error
	// wait blocks up to timeoutMillis (negative = forever, 0 = no block)
	// for readiness, appending fired events to dst and returning the
	// extended slice.
	wait(dst []ioEvent, timeoutMillis int) ([]ioEvent, error)
	// wake causes a blocked wait to return promptly.
	wake() error
}
