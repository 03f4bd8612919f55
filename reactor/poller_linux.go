//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// epollPoller adapts epoll to the poller interface. Grounded on the
// teacher's eventloop/poller_linux.go FastPoller, generalized from a
// fixed-size direct-indexed fd array (which assumed a small JS-loop-style fd
// count) to the ldclt/nunc-stans use case of many long-lived connections,
// where a map is the better fit.
type epollPoller struct {
	epfd   int
	wakeFD int // eventfd, read side == write side
}

func newPoller() poller { return &epollPoller{epfd: -1, wakeFD: -1} }

func (p *epollPoller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return err
	}
	p.wakeFD = wakeFD

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakeFD),
	}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return err
	}

	return nil
}

func (p *epollPoller) close() error {
	if p.wakeFD >= 0 {
		_ = unix.Close(p.wakeFD)
	}
	if p.epfd >= 0 {
		return unix.Close(p.epfd)
	}
	return nil
}

func epollEvents(read, write bool) uint32 {
	var ev uint32
	if read {
		ev |= unix.EPOLLIN
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, read, write bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(read, write),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, read, write bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(read, write),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(dst []ioEvent, timeoutMillis int) ([]ioEvent, error) {
	var buf [256]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, buf[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := buf[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			drainEventfd(p.wakeFD)
			continue
		}
		dst = append(dst, ioEvent{
			fd:    fd,
			read:  ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			write: ev.Events&unix.EPOLLOUT != 0,
			err:   ev.Events&unix.EPOLLERR != 0,
			hup:   ev.Events&unix.EPOLLHUP != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(p.wakeFD, buf[:])
	if err == unix.EAGAIN {
		// the eventfd counter is already non-zero, a pending wake suffices
		return nil
	}
	return err
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
