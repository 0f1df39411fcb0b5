package server

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Base epoll flags for every registered socket
const (
	EventsEdge     = unix.EPOLLET
	EventsRead     = unix.EPOLLIN | unix.EPOLLRDHUP
	EventsWrite    = unix.EPOLLOUT
	EventsListener = unix.EPOLLIN | EventsEdge
)

// EventLoop is a single-threaded, edge-triggered epoll reactor.
// Everything but Post() must be called from the goroutine running Run().
type EventLoop struct {
	epfd   int
	waker  *loopWaker
	table  *HandleTable
	events []unix.EpollEvent

	// Housekeeping is called every HousekeepingInterval (if > 0)
	Housekeeping         func(now time.Time)
	HousekeepingInterval time.Duration
	lastHousekeeping     time.Time

	stopping bool

	mutex  sync.Mutex
	queue  []func()
	closed bool
}

// NewEventLoop creates the epoll instance and its wake-up eventfd
func NewEventLoop(maxEvents int) (*EventLoop, error) {
	if maxEvents < 1 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	loop := &EventLoop{
		epfd:             epfd,
		table:            NewHandleTable(),
		events:           make([]unix.EpollEvent, maxEvents),
		lastHousekeeping: time.Now(),
	}
	loop.waker = &loopWaker{loop: loop, fd: wakefd}

	h := loop.table.Insert(loop.waker)
	err = loop.Add(wakefd, h, unix.EPOLLIN|EventsEdge)
	if err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return loop, nil
}

// Table returns the handle table of the loop
func (loop *EventLoop) Table() *HandleTable {
	return loop.table
}

func epollEvent(h Handle, events uint32) *unix.EpollEvent {
	return &unix.EpollEvent{Events: events, Fd: h.Index, Pad: h.Generation}
}

// Add registers fd with the given interest, events will be delivered to
// the item of h
func (loop *EventLoop) Add(fd int, h Handle, events uint32) error {
	err := unix.EpollCtl(loop.epfd, unix.EPOLL_CTL_ADD, fd, epollEvent(h, events))
	return os.NewSyscallError("epoll_ctl add", err)
}

// Modify changes the interest of fd. With EPOLLET, the kernel reports
// the current readiness again, so re-enabling EPOLLIN on a socket with
// unread data will trigger a new event.
func (loop *EventLoop) Modify(fd int, h Handle, events uint32) error {
	err := unix.EpollCtl(loop.epfd, unix.EPOLL_CTL_MOD, fd, epollEvent(h, events))
	return os.NewSyscallError("epoll_ctl mod", err)
}

// Remove unregisters fd
func (loop *EventLoop) Remove(fd int) error {
	err := unix.EpollCtl(loop.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	return os.NewSyscallError("epoll_ctl del", err)
}

// Post queues fn to be run by the loop goroutine. It's the only method
// that is safe to call from another goroutine. Returns false if the loop
// is already closed (fn will never run).
func (loop *EventLoop) Post(fn func()) bool {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	if loop.closed {
		return false
	}
	loop.queue = append(loop.queue, fn)
	loop.waker.wake()
	return true
}

// Stop makes Run return after the current batch of events
func (loop *EventLoop) Stop() {
	loop.stopping = true
}

// Run waits for and dispatches events until Stop() is called. The loop
// is closed when Run returns.
func (loop *EventLoop) Run() error {
	defer loop.Close()

	for !loop.stopping {
		timeout := -1
		if loop.HousekeepingInterval > 0 {
			timeout = int(loop.HousekeepingInterval / time.Millisecond)
		}

		n, err := unix.EpollWait(loop.epfd, loop.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}

		for i := 0; i < n && !loop.stopping; i++ {
			ev := &loop.events[i]
			// slot may have been released earlier in this batch
			item := loop.table.Get(Handle{Index: ev.Fd, Generation: ev.Pad})
			if item == nil {
				continue
			}
			item.onEvent(ev.Events)
		}

		if loop.HousekeepingInterval > 0 && loop.Housekeeping != nil && !loop.stopping {
			now := time.Now()
			if now.Sub(loop.lastHousekeeping) >= loop.HousekeepingInterval {
				loop.lastHousekeeping = now
				loop.Housekeeping(now)
			}
		}
	}

	return nil
}

// Close releases the epoll instance. Functions still queued are run
// (on the caller goroutine) so nobody waits for them forever.
func (loop *EventLoop) Close() {
	loop.mutex.Lock()
	if loop.closed {
		loop.mutex.Unlock()
		return
	}
	loop.closed = true
	queue := loop.queue
	loop.queue = nil
	unix.Close(loop.waker.fd)
	unix.Close(loop.epfd)
	loop.mutex.Unlock()

	for _, fn := range queue {
		fn()
	}
}

func (loop *EventLoop) runQueue() {
	loop.mutex.Lock()
	queue := loop.queue
	loop.queue = nil
	loop.mutex.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// loopWaker is the eventfd used by Post() to interrupt epoll_wait
type loopWaker struct {
	loop *EventLoop
	fd   int
}

func (w *loopWaker) onEvent(events uint32) {
	var buf [8]byte
	// one read resets the counter
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != unix.EINTR {
			break
		}
	}
	w.loop.runQueue()
}

func (w *loopWaker) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated: a wake-up is already pending
	unix.Write(w.fd, buf[:])
}
