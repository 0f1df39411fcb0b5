package server

import (
	"net"
	"os"

	"github.com/OnitiFR/tcpfwd/common"
	"golang.org/x/sys/unix"
)

// PortListener is a non-blocking listening socket, one per rule
type PortListener struct {
	ConnectionCount int
	Rule            *common.ForwardRule
	listenAddr      *net.TCPAddr
	server          *PortServer
	fd              int
	handle          Handle
	stalled         bool
	closed          bool
}

// NewPortListener will listen on rule.ListenPort (on listenIP) and
// register the socket with the server event loop
func NewPortListener(server *PortServer, rule *common.ForwardRule, listenIP net.IP) (*PortListener, error) {
	addr := &net.TCPAddr{IP: listenIP, Port: int(rule.ListenPort)}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &ListenError{Address: addr.String(), Err: os.NewSyscallError("socket", err)}
	}

	fail := func(err error) (*PortListener, error) {
		unix.Close(fd)
		return nil, &ListenError{Address: addr.String(), Err: err}
	}

	// so the port can be reused immediately after exit
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		return fail(os.NewSyscallError("setsockopt", err))
	}

	sa, _, err := tcpSockaddr(addr)
	if err != nil {
		return fail(err)
	}

	err = unix.Bind(fd, sa)
	if err != nil {
		return fail(os.NewSyscallError("bind", err))
	}

	err = unix.Listen(fd, listenBacklog())
	if err != nil {
		return fail(os.NewSyscallError("listen", err))
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(os.NewSyscallError("getsockname", err))
	}

	pl := &PortListener{
		Rule:       rule,
		listenAddr: sockaddrTCP(bound),
		server:     server,
		fd:         fd,
	}

	pl.handle = server.loop.Table().Insert(pl)
	err = server.loop.Add(fd, pl.handle, EventsListener)
	if err != nil {
		server.loop.Table().Release(pl.handle)
		return fail(err)
	}

	return pl, nil
}

// Addr returns the bound address
func (pl *PortListener) Addr() *net.TCPAddr {
	return pl.listenAddr
}

// Port returns the bound port (differs from Rule.ListenPort if it was 0)
func (pl *PortListener) Port() uint16 {
	return uint16(pl.listenAddr.Port)
}

func (pl *PortListener) onEvent(events uint32) {
	if events&unix.EPOLLERR != 0 {
		pl.server.Log.Errorf("port proxy: %s: listener error: %v", pl.listenAddr, socketError(pl.fd))
	}
	pl.acceptAll()
}

// acceptAll accepts until the queue is empty: with edge-triggered
// readiness, connections left in the queue would never be notified again.
func (pl *PortListener) acceptAll() {
	for !pl.closed {
		nfd, sa, err := unix.Accept4(pl.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				pl.setStalled(false)
				return
			case unix.EINTR, unix.ECONNABORTED, unix.EPROTO,
				unix.ENETDOWN, unix.ENOPROTOOPT, unix.EHOSTDOWN, unix.ENONET,
				unix.EHOSTUNREACH, unix.EOPNOTSUPP, unix.ENETUNREACH:
				// the connection is lost, not the listener
				continue
			}

			// EMFILE, ENFILE, ENOBUFS, ENOMEM…: the edge is consumed but
			// connections are still queued, housekeeping will retry
			pl.server.Log.Error((&AcceptError{Port: pl.Port(), Err: err}).Error())
			pl.setStalled(true)
			return
		}

		pl.server.acceptConnection(pl, nfd, sockaddrTCP(sa))
	}
}

func (pl *PortListener) setStalled(stalled bool) {
	if pl.stalled == stalled {
		return
	}
	pl.stalled = stalled
	if stalled {
		pl.server.stalledListeners++
	} else {
		pl.server.stalledListeners--
	}
	pl.server.updateHousekeeping()
}

// Close the listener
func (pl *PortListener) Close() error {
	if pl.closed {
		return nil
	}
	pl.closed = true
	pl.setStalled(false)

	pl.server.loop.Remove(pl.fd)
	pl.server.loop.Table().Release(pl.handle)

	return os.NewSyscallError("close", unix.Close(pl.fd))
}
