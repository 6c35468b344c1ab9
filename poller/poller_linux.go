//go:build linux

package poller

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Initial size of the descriptor table, grown on demand.
const maxFDs = 65536

// MaxFDLimit is the largest descriptor number that may be registered.
const MaxFDLimit = 100000000

// WakeToken is reserved for the poller's own wake-up descriptor, and is never
// passed to the Wait callback.
const WakeToken = ^uint64(0)

// IOEvents is a bitmask of readiness conditions, and registration modes.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the descriptor was hung up.
	EventHangup
	// EventPeerClosed indicates the peer shut down its writing half.
	EventPeerClosed
	// EventOneShot is a registration mode: edge-triggered, one-shot, and
	// reporting EventPeerClosed. It is never reported by Wait.
	EventOneShot
)

var (
	ErrFDOutOfRange        = errors.New("poller: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	ErrFDNotRegistered     = errors.New("poller: fd not registered")
	ErrPollerClosed        = errors.New("poller: poller closed")
	ErrReservedToken       = errors.New("poller: reserved token")
)

// fdInfo is the registration state of a descriptor.
type fdInfo struct {
	token  uint64
	events IOEvents
	active bool
}

// Poller manages epoll registrations. Init must be called before use.
//
// Wait must only be called from one goroutine at a time. The other methods
// are safe for concurrent use, including with Wait.
type Poller struct {
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	epfd     int
	wakeFD   int
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// Init creates the epoll instance and its wake-up eventfd.
func (p *Poller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	setToken(&ev, WakeToken)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return err
	}

	p.epfd = epfd
	p.wakeFD = wakeFD
	p.fds = make([]fdInfo, maxFDs)

	return nil
}

// Close closes the epoll instance. Registered descriptors are not closed.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.epfd <= 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	if e := unix.Close(p.wakeFD); err == nil {
		err = e
	}
	return err
}

// RegisterFD adds fd, reporting token for its events.
func (p *Poller) RegisterFD(fd int, token uint64, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}
	if token == WakeToken {
		return ErrReservedToken
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) {
		newSize := fd*2 + 1
		if newSize > MaxFDLimit {
			newSize = MaxFDLimit + 1
		}
		newFds := make([]fdInfo, newSize)
		copy(newFds, p.fds)
		p.fds = newFds
	}

	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}

	ev := unix.EpollEvent{Events: eventsToEpoll(events)}
	setToken(&ev, token)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	p.fds[fd] = fdInfo{token: token, events: events, active: true}
	return nil
}

// UnregisterFD removes fd. It must be called before fd is closed, to ensure
// a concurrent ModifyFD can't act on a reused descriptor number.
func (p *Poller) UnregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()

	if fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}

	p.fds[fd] = fdInfo{}

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD re-arms fd for events, retaining the registration mode
// (EventOneShot). The token must match the one fd was registered with,
// otherwise ErrFDNotRegistered is returned, and nothing is changed.
func (p *Poller) ModifyFD(fd int, token uint64, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	// read lock excludes UnregisterFD and RegisterFD for the duration
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()

	if fd >= len(p.fds) || !p.fds[fd].active || p.fds[fd].token != token {
		return ErrFDNotRegistered
	}

	events = events&^EventOneShot | p.fds[fd].events&EventOneShot

	ev := unix.EpollEvent{Events: eventsToEpoll(events)}
	setToken(&ev, token)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Wait blocks for up to timeoutMs (-1 for no limit), calling fn for each
// ready descriptor, returning the number of calls. Interruption by a signal
// is not an error, and returns 0.
func (p *Poller) Wait(timeoutMs int, fn func(token uint64, events IOEvents)) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	var count int
	for i := 0; i < n; i++ {
		token := getToken(&p.eventBuf[i])
		if token == WakeToken {
			p.drainWake()
			continue
		}
		fn(token, epollToEvents(p.eventBuf[i].Events))
		count++
	}

	return count, nil
}

// Wake interrupts a blocked Wait. Redundant wake-ups are coalesced.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFD, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakeFD, buf[:])
}

func setToken(ev *unix.EpollEvent, token uint64) {
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
}

func getToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	if events&EventPeerClosed != 0 {
		epollEvents |= unix.EPOLLRDHUP
	}
	if events&EventOneShot != 0 {
		epollEvents |= unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if epollEvents&unix.EPOLLRDHUP != 0 {
		events |= EventPeerClosed
	}
	return events
}
