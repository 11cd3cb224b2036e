//go:build darwin

package backend

import (
	"sync"

	"golang.org/x/sys/unix"
)

const wakeIdent = 1 // EVFILT_USER ident used for Notify

// kqueueBackend implements Backend on Darwin/BSD using EV_ONESHOT
// registrations per direction and an EVFILT_USER event for Notify, avoiding
// the extra pipe/eventfd a separate wake descriptor would need.
type kqueueBackend struct {
	kq int

	mu      sync.Mutex
	active  map[int]struct{}
	closed  bool
	eventBuf []unix.Kevent_t
}

// New creates a backend bound to a fresh kqueue instance.
func New() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	b := &kqueueBackend{
		kq:       kq,
		active:   make(map[int]struct{}),
		eventBuf: make([]unix.Kevent_t, 64),
	}

	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func (b *kqueueBackend) Register(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.active[fd]; ok {
		return ErrAlreadyRegistered
	}
	b.active[fd] = struct{}{}
	return nil
}

func (b *kqueueBackend) Unregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.active[fd]; !ok {
		return ErrNotRegistered
	}
	delete(b.active, fd)

	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(b.kq, changes, nil, nil) // both deletes are best-effort
	return nil
}

func (b *kqueueBackend) ArmInput(fd int) error  { return b.arm(fd, unix.EVFILT_READ) }
func (b *kqueueBackend) ArmOutput(fd int) error { return b.arm(fd, unix.EVFILT_WRITE) }

func (b *kqueueBackend) arm(fd int, filter int16) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.active[fd]; !ok {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	b.mu.Unlock()

	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (b *kqueueBackend) DisableInput(fd int) error  { return b.disable(fd, unix.EVFILT_READ) }
func (b *kqueueBackend) DisableOutput(fd int) error { return b.disable(fd, unix.EVFILT_WRITE) }

func (b *kqueueBackend) disable(fd int, filter int16) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.active[fd]; !ok {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	b.mu.Unlock()

	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
	if err == unix.ENOENT {
		return nil // already fired (EV_ONESHOT self-deletes) or never armed
	}
	return err
}

func (b *kqueueBackend) Poll(dst []Event, timeoutMs int) ([]Event, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return dst, ErrClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(b.kq, nil, b.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		raw := b.eventBuf[i]
		if raw.Filter == unix.EVFILT_USER {
			continue // Notify wake-up, carries no descriptor readiness
		}

		var ev Events
		switch raw.Filter {
		case unix.EVFILT_READ:
			ev |= Readable
		case unix.EVFILT_WRITE:
			ev |= Writable
		}
		if raw.Flags&unix.EV_EOF != 0 {
			ev |= Hangup
		}
		if raw.Flags&unix.EV_ERROR != 0 {
			ev |= Error
		}
		dst = append(dst, Event{Fd: int(raw.Ident), Events: ev})
	}
	return dst, nil
}

func (b *kqueueBackend) Notify() error {
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil)
	return err
}

func (b *kqueueBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.kq)
}
