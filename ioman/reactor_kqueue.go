//go:build darwin || freebsd || netbsd || openbsd

package ioman

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// kqueueReactor is the BSD/Darwin reactor. kqueue has no eventfd
// equivalent, so tickle uses a self-pipe the way iomanager_kqueue.h's
// counterpart does, and EOF/hangup is reported via the EV_EOF flag on the
// read/write filter itself rather than a separate CLOSE filter, which is
// why unregisterEvent's bool-return contract (see DESIGN.md) has to be
// kept uniform with epoll by bookkeeping interest bits ourselves instead
// of relying on a platform CLOSE filter that doesn't exist here.
type kqueueReactor struct {
	kq          int
	tickleRead  int
	tickleWrite int

	mu    sync.Mutex
	armed map[int]Event // fd -> our own bitmask of armed Event kinds
}

func newReactor() (reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("ioman: kqueue: %w", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("ioman: pipe2: %w", err)
	}
	r := &kqueueReactor{
		kq:          kq,
		tickleRead:  fds[0],
		tickleWrite: fds[1],
		armed:       make(map[int]Event),
	}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  uint64(r.tickleRead),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}, nil, nil)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("ioman: arming tickle pipe: %w", err)
	}
	return r, nil
}

func kqueueFilters(e Event) []int16 {
	var filters []int16
	if e&(EventRead|EventClose) != 0 {
		filters = append(filters, unix.EVFILT_READ)
	}
	if e&EventWrite != 0 {
		filters = append(filters, unix.EVFILT_WRITE)
	}
	return filters
}

func (r *kqueueReactor) addEvent(fd int, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes := make([]unix.Kevent_t, 0, 2)
	for _, f := range kqueueFilters(event) {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: f,
			Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		})
	}
	if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("ioman: kevent add fd=%d: %w", fd, err)
	}
	r.armed[fd] = r.armed[fd] | event
	return nil
}

func (r *kqueueReactor) removeEvent(fd int, event Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	had, ok := r.armed[fd]
	if !ok || had&event == 0 {
		return false, nil
	}

	changes := make([]unix.Kevent_t, 0, 2)
	for _, f := range kqueueFilters(event) {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: f,
			Flags:  unix.EV_DELETE,
		})
	}
	// EV_DELETE on a oneshot filter that already fired returns ENOENT;
	// that's expected and not an error for our purposes.
	if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil && err != unix.ENOENT {
		return true, fmt.Errorf("ioman: kevent delete fd=%d: %w", fd, err)
	}
	remaining := had &^ event
	if remaining == 0 {
		delete(r.armed, fd)
	} else {
		r.armed[fd] = remaining
	}
	return true, nil
}

func (r *kqueueReactor) wait(timeoutNs int64, maxEvents int, dst []readyEvent) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeoutNs >= 0 {
		ts = &unix.Timespec{Sec: timeoutNs / 1e9, Nsec: timeoutNs % 1e9}
	}
	raw := make([]unix.Kevent_t, maxEvents)
	n, err := unix.Kevent(r.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("ioman: kevent wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		if fd == r.tickleRead {
			var buf [64]byte
			unix.Read(r.tickleRead, buf[:])
			continue
		}
		var ev Event
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			ev = EventRead
			if raw[i].Flags&unix.EV_EOF != 0 {
				ev |= EventClose
			}
		case unix.EVFILT_WRITE:
			ev = EventWrite
		}
		dst = append(dst, readyEvent{fd: fd, events: ev})
	}
	return dst, nil
}

func (r *kqueueReactor) tickle() error {
	_, err := unix.Write(r.tickleWrite, []byte{1})
	return err
}

func (r *kqueueReactor) close() error {
	unix.Close(r.tickleRead)
	unix.Close(r.tickleWrite)
	return unix.Close(r.kq)
}
