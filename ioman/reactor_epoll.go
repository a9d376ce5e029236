//go:build linux

package ioman

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollReactor is the Linux reactor, grounded on the gaio library's
// watcher.go poller abstraction (other_examples/...gaio__watcher.go) and
// on the contract described by iomanager_epoll.h: one epoll descriptor,
// oneshot registrations (EPOLLONESHOT, level-triggered; EPOLLET is not
// set) so a fired event must be explicitly re-armed, and an eventfd used
// as the "tickle" wakeup instead
// of the original's self-pipe (eventfd is the idiomatic Linux
// replacement and is what golang.org/x/sys/unix exposes cleanly).
type epollReactor struct {
	epfd     int
	tickleFd int

	mu    sync.Mutex
	armed map[int]uint32 // fd -> currently armed unix.EPOLL* bitmask
}

func newReactor() (reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioman: epoll_create1: %w", err)
	}
	tfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioman: eventfd: %w", err)
	}
	r := &epollReactor{
		epfd:     epfd,
		tickleFd: tfd,
		armed:    make(map[int]uint32),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, tfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(tfd),
	}); err != nil {
		unix.Close(tfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("ioman: arming tickle fd: %w", err)
	}
	return r, nil
}

func toEpollBits(e Event) uint32 {
	var bits uint32
	if e&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	if e&EventClose != 0 {
		bits |= unix.EPOLLRDHUP
	}
	return bits
}

func fromEpollBits(bits uint32) Event {
	var e Event
	if bits&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventRead
	}
	if bits&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if bits&unix.EPOLLRDHUP != 0 {
		e |= EventClose
	}
	return e
}

func (r *epollReactor) addEvent(fd int, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.armed[fd]
	want := existing | toEpollBits(event) | unix.EPOLLONESHOT
	op := unix.EPOLL_CTL_MOD
	if !had {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &unix.EpollEvent{Events: want, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("ioman: epoll_ctl fd=%d: %w", fd, err)
	}
	r.armed[fd] = want
	return nil
}

func (r *epollReactor) removeEvent(fd int, event Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.armed[fd]
	if !had {
		return false, nil
	}
	remaining := existing &^ toEpollBits(event)
	// Always keep EPOLLONESHOT set while any interest bit remains.
	if remaining&^uint32(unix.EPOLLONESHOT) == 0 {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return true, fmt.Errorf("ioman: epoll_ctl del fd=%d: %w", fd, err)
		}
		delete(r.armed, fd)
		return true, nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: remaining, Fd: int32(fd)}); err != nil {
		return true, fmt.Errorf("ioman: epoll_ctl mod fd=%d: %w", fd, err)
	}
	r.armed[fd] = remaining
	return true, nil
}

func (r *epollReactor) wait(timeoutNs int64, maxEvents int, dst []readyEvent) ([]readyEvent, error) {
	msTimeout := -1
	if timeoutNs >= 0 {
		msTimeout = int(timeoutNs / 1e6)
	}
	raw := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(r.epfd, raw, msTimeout)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("ioman: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == r.tickleFd {
			var buf [8]byte
			unix.Read(r.tickleFd, buf[:])
			continue
		}
		dst = append(dst, readyEvent{fd: fd, events: fromEpollBits(raw[i].Events)})
	}
	return dst, nil
}

func (r *epollReactor) tickle() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(r.tickleFd, one[:])
	return err
}

func (r *epollReactor) close() error {
	unix.Close(r.tickleFd)
	return unix.Close(r.epfd)
}
