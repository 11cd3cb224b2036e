//go:build linux

package backend

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

const maxDirectFDs = 65536

type fdState struct {
	armedIn  bool
	armedOut bool
	active   bool
}

// epollBackend implements Backend on Linux, following the direct-indexed
// fdInfo table and RWMutex discipline of the pack's FastPoller: a fixed
// array for O(1) lookup by fd, a read lock held only long enough to copy
// state before calling into the kernel.
type epollBackend struct {
	epfd int

	mu     sync.RWMutex
	fds    [maxDirectFDs]fdState
	closed bool

	wakeFd int // eventfd used by Notify

	eventBuf []unix.EpollEvent
}

// New creates a backend bound to a fresh epoll instance.
func New() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	b := &epollBackend{
		epfd:     epfd,
		wakeFd:   wakeFd,
		eventBuf: make([]unix.EpollEvent, 64),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) Register(fd int) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrNotRegistered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.fds[fd].active {
		return ErrAlreadyRegistered
	}
	b.fds[fd] = fdState{active: true}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)})
}

func (b *epollBackend) Unregister(fd int) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrNotRegistered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !b.fds[fd].active {
		return ErrNotRegistered
	}
	b.fds[fd] = fdState{}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) ArmInput(fd int) error     { return b.setDirection(fd, directionIn, true) }
func (b *epollBackend) ArmOutput(fd int) error    { return b.setDirection(fd, directionOut, true) }
func (b *epollBackend) DisableInput(fd int) error { return b.setDirection(fd, directionIn, false) }
func (b *epollBackend) DisableOutput(fd int) error {
	return b.setDirection(fd, directionOut, false)
}

type direction int

const (
	directionIn direction = iota
	directionOut
)

// setDirection arms or disables one direction for fd and re-applies the
// recomputed interest mask with EPOLL_CTL_MOD.
func (b *epollBackend) setDirection(fd int, dir direction, want bool) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrNotRegistered
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	st := &b.fds[fd]
	if !st.active {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	if dir == directionIn {
		st.armedIn = want
	} else {
		st.armedOut = want
	}
	mask := epollMask(*st)
	b.mu.Unlock()

	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)})
}

func epollMask(st fdState) uint32 {
	var mask uint32
	if st.armedIn {
		mask |= unix.EPOLLIN | unix.EPOLLONESHOT
	}
	if st.armedOut {
		mask |= unix.EPOLLOUT | unix.EPOLLONESHOT
	}
	return mask
}

func (b *epollBackend) Poll(dst []Event, timeoutMs int) ([]Event, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return dst, ErrClosed
	}

	n, err := unix.EpollWait(b.epfd, b.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		raw := b.eventBuf[i]
		fd := int(raw.Fd)
		if fd == b.wakeFd {
			b.drainWake()
			continue
		}

		b.mu.Lock()
		st := &b.fds[fd]
		var ev Events
		if raw.Events&unix.EPOLLIN != 0 {
			ev |= Readable
			st.armedIn = false
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ev |= Writable
			st.armedOut = false
		}
		if raw.Events&unix.EPOLLERR != 0 {
			ev |= Error
		}
		if raw.Events&unix.EPOLLHUP != 0 || raw.Events&unix.EPOLLRDHUP != 0 {
			ev |= Hangup
		}
		// EPOLLONESHOT disables the whole descriptor once any event fires;
		// re-enable a direction that is still armed and did not fire.
		if raw.Events&(unix.EPOLLIN|unix.EPOLLOUT) != 0 {
			if rearm := epollMask(*st); rearm != 0 {
				_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: rearm, Fd: int32(fd)})
			}
		}
		b.mu.Unlock()

		dst = append(dst, Event{Fd: fd, Events: ev})
	}
	return dst, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *epollBackend) Notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(b.wakeFd, buf[:])
	return err
}

func (b *epollBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err1 := unix.Close(b.wakeFd)
	err2 := unix.Close(b.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
