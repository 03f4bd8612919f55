//go:build darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller adapts kqueue to the poller interface, grounded on the
// teacher's eventloop/poller_darwin.go FastPoller. Read and write interest
// are two independent kevent filters on Darwin, unlike epoll's single
// combined registration, so add/modify/remove each touch up to two events.
type kqueuePoller struct {
	kq     int
	wakeFD int // one end of a pipe, used as the wake mechanism
	wakeWr int
}

func newPoller() poller { return &kqueuePoller{kq: -1, wakeFD: -1, wakeWr: -1} }

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(kq)
		return err
	}
	p.wakeFD, p.wakeWr = fds[0], fds[1]

	ev := unix.Kevent_t{
		Ident:  uint64(p.wakeFD),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(p.wakeFD)
		_ = unix.Close(p.wakeWr)
		_ = unix.Close(kq)
		return err
	}
	return nil
}

func (p *kqueuePoller) close() error {
	if p.wakeFD >= 0 {
		_ = unix.Close(p.wakeFD)
	}
	if p.wakeWr >= 0 {
		_ = unix.Close(p.wakeWr)
	}
	if p.kq >= 0 {
		return unix.Close(p.kq)
	}
	return nil
}

func (p *kqueuePoller) changeFilter(fd int, filter int16, want bool) unix.Kevent_t {
	flags := uint16(unix.EV_DELETE)
	if want {
		flags = unix.EV_ADD | unix.EV_ENABLE
	}
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
}

func (p *kqueuePoller) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) add(fd int, read, write bool) error {
	var changes []unix.Kevent_t
	if read {
		changes = append(changes, p.changeFilter(fd, unix.EVFILT_READ, true))
	}
	if write {
		changes = append(changes, p.changeFilter(fd, unix.EVFILT_WRITE, true))
	}
	return p.apply(changes)
}

func (p *kqueuePoller) modify(fd int, read, write bool) error {
	return p.apply([]unix.Kevent_t{
		p.changeFilter(fd, unix.EVFILT_READ, read),
		p.changeFilter(fd, unix.EVFILT_WRITE, write),
	})
}

func (p *kqueuePoller) remove(fd int) error {
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{
		p.changeFilter(fd, unix.EVFILT_READ, false),
		p.changeFilter(fd, unix.EVFILT_WRITE, false),
	}, nil, nil)
	return nil
}

func (p *kqueuePoller) wait(dst []ioEvent, timeoutMillis int) ([]ioEvent, error) {
	var buf [256]unix.Kevent_t
	var tsPtr *unix.Timespec
	var ts unix.Timespec
	if timeoutMillis >= 0 {
		ts = unix.NsecToTimespec(int64(timeoutMillis) * int64(1e6))
		tsPtr = &ts
	}
	n, err := unix.Kevent(p.kq, nil, buf[:], tsPtr)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := buf[i]
		fd := int(ev.Ident)
		if fd == p.wakeFD {
			drainWakePipe(p.wakeFD)
			continue
		}
		e := ioEvent{fd: fd}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.read = true
		case unix.EVFILT_WRITE:
			e.write = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			e.hup = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e.err = true
		}
		dst = append(dst, e)
	}
	return dst, nil
}

func (p *kqueuePoller) wake() error {
	var b [1]byte
	_, err := unix.Write(p.wakeWr, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func drainWakePipe(fd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
