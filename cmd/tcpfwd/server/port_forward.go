package server

import (
	"net"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sys/unix"
)

// Role of an Endpoint in its pair
type Role int

// Roles
const (
	RoleInbound  Role = iota // accepted from a client
	RoleOutbound             // connected to the backend
)

func (r Role) String() string {
	if r == RoleInbound {
		return "inbound"
	}
	return "outbound"
}

// Endpoint is one side of an established port forwarding. Endpoints are
// created, registered and closed in pairs; peer is a handle in the
// event loop table, never a pointer.
type Endpoint struct {
	server   *PortServer
	listener *PortListener
	handle   Handle
	peer     Handle
	fd       int
	role     Role
	remote   *net.TCPAddr

	connected   bool
	readClosed  bool // EOF received
	writeClosed bool // shutdown(SHUT_WR) done
	readPaused  bool // our data is waiting in peer's pending buffer
	pending     *PendingBuffer
	interest    uint32

	bytesRead    int64
	created      time.Time
	lastActivity time.Time
	rateEntry    *RateControllerEntry
}

func (ep *Endpoint) onEvent(events uint32) {
	ep.server.handleEndpoint(ep, events)
}

func (ep *Endpoint) isClosed() bool {
	return ep.fd < 0
}

// wantedInterest computes epoll flags from the relay state
func (ep *Endpoint) wantedInterest() uint32 {
	events := uint32(EventsEdge)
	if !ep.readClosed && !ep.readPaused {
		events |= EventsRead
	}
	if !ep.connected || !ep.pending.IsEmpty() {
		events |= EventsWrite
	}
	return events
}

func (ep *Endpoint) state() string {
	switch {
	case !ep.connected:
		return "connecting"
	case ep.readClosed && ep.writeClosed:
		return "closing"
	case ep.readClosed:
		return "read-closed"
	case ep.writeClosed:
		return "write-closed"
	case ep.readPaused:
		return "paused"
	}
	return "established"
}

// acceptConnection applies rate control and creates the pair for a
// newly accepted socket
func (server *PortServer) acceptConnection(pl *PortListener, fd int, remote *net.TCPAddr) {
	now := time.Now()
	server.Stats.Accepted.Add(1)
	server.Metrics.connectionAccepted(pl.Port())

	var entry *RateControllerEntry
	if server.rate.Enabled() {
		ip := remote.IP.String()
		if !server.rate.IsVIP(ip) {
			entry = server.rate.GetEntry(ip, now)
			allowed, reason := entry.IsAllowed(now)
			if !allowed {
				server.Stats.Rejected.Add(1)
				server.Metrics.connectionRejected(reason)
				unix.Close(fd)
				server.Log.Tracef("port proxy: %s refused on port %d: %s", remote, pl.Port(), reason)
				return
			}
		}
	}

	err := server.newPortForward(pl, fd, remote, entry, now)
	if err != nil {
		server.Stats.ConnectErrors.Add(1)
		server.Metrics.connectErrors.Inc()
		server.Log.Errorf("port proxy: %s: %s", remote, err)
	}
}

// newPortForward connects to the rule backend and registers the pair.
// On error, the inbound socket is already closed.
func (server *PortServer) newPortForward(pl *PortListener, inFd int, remote *net.TCPAddr, entry *RateControllerEntry, now time.Time) error {
	backend := pl.Rule.Backend

	abort := func(err error) error {
		unix.Close(inFd)
		if entry != nil {
			entry.FinishConnection()
		}
		return &ConnectError{Backend: backend.String(), Err: err}
	}

	sa, family, err := tcpSockaddr(backend)
	if err != nil {
		return abort(err)
	}

	outFd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return abort(os.NewSyscallError("socket", err))
	}

	connected := true
	err = unix.Connect(outFd, sa)
	if err != nil {
		if err != unix.EINPROGRESS && err != unix.EINTR {
			unix.Close(outFd)
			return abort(os.NewSyscallError("connect", err))
		}
		// completion is notified with EPOLLOUT
		connected = false
	}

	in := &Endpoint{
		server:       server,
		listener:     pl,
		fd:           inFd,
		role:         RoleInbound,
		remote:       remote,
		connected:    true,
		created:      now,
		lastActivity: now,
		rateEntry:    entry,
	}
	out := &Endpoint{
		server:       server,
		listener:     pl,
		fd:           outFd,
		role:         RoleOutbound,
		remote:       backend,
		connected:    connected,
		created:      now,
		lastActivity: now,
	}

	// both slots exist before anything is registered
	table := server.loop.Table()
	in.handle = table.Insert(in)
	out.handle = table.Insert(out)
	in.peer = out.handle
	out.peer = in.handle

	pl.ConnectionCount++
	server.Stats.ActivePairs.Add(1)
	server.Metrics.activePairs.Inc()

	for _, ep := range []*Endpoint{in, out} {
		ep.interest = EventsRead | EventsWrite | EventsEdge
		err = server.loop.Add(ep.fd, ep.handle, ep.interest)
		if err != nil {
			server.closePair(in, "registration failed")
			return &ConnectError{Backend: backend.String(), Err: err}
		}
	}

	server.Log.Tracef("+ TCP %s->%s (port %d)", remote, backend, pl.Port())
	return nil
}

// peerOf returns the other endpoint of the pair (nil if already closed)
func (server *PortServer) peerOf(ep *Endpoint) *Endpoint {
	peer, _ := server.loop.Table().Get(ep.peer).(*Endpoint)
	return peer
}

// setInterest syncs epoll flags with the relay state, closing the pair
// on failure
func (server *PortServer) setInterest(ep *Endpoint) bool {
	events := ep.wantedInterest()
	if events == ep.interest {
		return true
	}

	err := server.loop.Modify(ep.fd, ep.handle, events)
	if err != nil {
		server.relayFailed(ep, "epoll", err)
		return false
	}
	ep.interest = events
	return true
}

// closePair is the only place where forwarding sockets are released:
// both endpoints are unregistered, closed and removed from the table.
func (server *PortServer) closePair(ep *Endpoint, reason string) {
	if ep.isClosed() {
		return
	}

	in, out := ep, server.peerOf(ep)
	if ep.role == RoleOutbound {
		in, out = out, ep
	}

	for _, e := range []*Endpoint{in, out} {
		if e == nil || e.isClosed() {
			continue
		}
		server.loop.Remove(e.fd)
		unix.Close(e.fd)
		e.fd = -1
		e.pending.Reset()
		server.loop.Table().Release(e.handle)
	}

	server.Stats.ActivePairs.Add(-1)
	server.Metrics.activePairs.Dec()

	if in == nil || out == nil {
		return
	}

	in.listener.ConnectionCount--
	if in.rateEntry != nil {
		in.rateEntry.FinishConnection()
	}

	server.Log.Tracef("- TCP %s->%s (port %d): %s, ->%s <-%s in %s",
		in.remote,
		out.remote,
		in.listener.Port(),
		reason,
		(datasize.ByteSize(in.bytesRead) * datasize.B).HR(),
		(datasize.ByteSize(out.bytesRead) * datasize.B).HR(),
		time.Since(in.created).Round(time.Millisecond),
	)
}

// pairs returns the inbound endpoint of every live pair
func (server *PortServer) pairs() []*Endpoint {
	var res []*Endpoint
	server.loop.Table().Each(func(h Handle, item pollable) {
		ep, ok := item.(*Endpoint)
		if ok && ep.role == RoleInbound {
			res = append(res, ep)
		}
	})
	return res
}
