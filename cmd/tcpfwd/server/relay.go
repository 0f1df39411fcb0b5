package server

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// handleEndpoint dispatches readiness events of a forwarding socket
func (server *PortServer) handleEndpoint(ep *Endpoint, events uint32) {
	if events&unix.EPOLLERR != 0 {
		err := socketError(ep.fd)
		if err == nil {
			err = errors.New("socket error")
		}
		if !ep.connected {
			server.connectFailed(ep, err)
		} else {
			server.relayFailed(ep, "socket", err)
		}
		return
	}

	if !ep.connected {
		if events&(unix.EPOLLOUT|unix.EPOLLHUP) == 0 {
			return
		}
		err := socketError(ep.fd)
		if err != nil {
			server.connectFailed(ep, err)
			return
		}
		ep.connected = true
		server.Log.Tracef("port proxy: connected to %s", ep.remote)
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		if !server.drainAndForward(ep) {
			return
		}
	}

	if events&(unix.EPOLLOUT|unix.EPOLLHUP) != 0 {
		if !server.releaseBackpressure(ep) {
			return
		}
	}

	if events&unix.EPOLLHUP != 0 {
		// hung up: once read to the end (and nothing is waiting to be
		// written), the socket is useless for both directions
		peer := server.peerOf(ep)
		if ep.readClosed && ep.pending.IsEmpty() && peer.pending.IsEmpty() {
			server.closePair(ep, "hang-up")
		}
	}
}

// drainAndForward reads ep until EAGAIN, forwarding everything to its peer.
// It stops early if the peer can't take more (ep is then paused).
// Returns false if the pair was closed.
func (server *PortServer) drainAndForward(ep *Endpoint) bool {
	if ep.readClosed || ep.readPaused {
		return true
	}

	peer := server.peerOf(ep)
	for {
		n, err := recv(ep.fd, server.readBuf)
		if err == unix.EAGAIN {
			return true
		}
		if err != nil {
			server.relayFailed(ep, "recv", err)
			return false
		}
		if n == 0 {
			return server.readEOF(ep, peer)
		}

		ep.bytesRead += int64(n)
		ep.lastActivity = time.Now()
		if ep.role == RoleInbound {
			server.Stats.BytesUpstream.Add(int64(n))
			server.Metrics.bytesUp.Add(float64(n))
		} else {
			server.Stats.BytesDownstream.Add(int64(n))
			server.Metrics.bytesDown.Add(float64(n))
		}

		if !server.forward(ep, peer, server.readBuf[:n]) {
			return false
		}
		if ep.readPaused {
			return true
		}
	}
}

// forward sends data to dst once, queuing the remainder in dst pending
// buffer (and pausing src) if dst did not accept everything
func (server *PortServer) forward(src, dst *Endpoint, data []byte) bool {
	sent := 0
	if dst.connected && dst.pending.IsEmpty() {
		n, err := sendNoSignal(dst.fd, data)
		if err != nil && err != unix.EAGAIN {
			server.relayFailed(dst, "send", err)
			return false
		}
		if n > 0 {
			sent = n
		}
	}

	if sent == len(data) {
		return true
	}

	if dst.pending == nil {
		dst.pending = NewPendingBuffer(server.bufferSize)
	}
	_, err := dst.pending.Write(data[sent:])
	if err != nil {
		server.relayFailed(dst, "queue", err)
		return false
	}
	server.Stats.observePending(dst.pending.Len())

	src.readPaused = true
	return server.setInterest(src) && server.setInterest(dst)
}

// readEOF handles an orderly shutdown from the remote side of ep:
// the EOF is propagated to the peer once everything was delivered to it
func (server *PortServer) readEOF(ep *Endpoint, peer *Endpoint) bool {
	ep.readClosed = true

	if peer.connected && peer.pending.IsEmpty() {
		if !server.shutdownWrite(peer) {
			return false
		}
	}

	if !server.setInterest(ep) {
		return false
	}
	return server.checkFinished(ep)
}

// releaseBackpressure flushes ep pending buffer when it's writable again
func (server *PortServer) releaseBackpressure(ep *Endpoint) bool {
	if !ep.connected {
		return true
	}

	peer := server.peerOf(ep)
	if !ep.pending.IsEmpty() {
		_, err := ep.pending.Flush(server.flushBuf, func(p []byte) (int, error) {
			return sendNoSignal(ep.fd, p)
		})
		if err != nil && err != unix.EAGAIN {
			server.relayFailed(ep, "send", err)
			return false
		}
		if !ep.pending.IsEmpty() {
			// partial write, wait for the next edge
			return true
		}

		ep.lastActivity = time.Now()
		peer.readPaused = false
		if !server.setInterest(peer) {
			return false
		}
	}

	if peer.readClosed && !ep.writeClosed {
		if !server.shutdownWrite(ep) {
			return false
		}
	}

	if !server.setInterest(ep) {
		return false
	}
	return server.checkFinished(ep)
}

// shutdownWrite sends our FIN to ep remote side
func (server *PortServer) shutdownWrite(ep *Endpoint) bool {
	if ep.writeClosed {
		return true
	}
	ep.writeClosed = true

	err := unix.Shutdown(ep.fd, unix.SHUT_WR)
	if err != nil && err != unix.ENOTCONN {
		server.relayFailed(ep, "shutdown", err)
		return false
	}
	return true
}

// checkFinished closes the pair when both directions reached EOF and
// everything was delivered
func (server *PortServer) checkFinished(ep *Endpoint) bool {
	peer := server.peerOf(ep)
	if ep.readClosed && peer.readClosed && ep.pending.IsEmpty() && peer.pending.IsEmpty() {
		server.closePair(ep, "closed")
		return false
	}
	return true
}

func (server *PortServer) connectFailed(ep *Endpoint, err error) {
	server.Stats.ConnectErrors.Add(1)
	server.Metrics.connectErrors.Inc()

	cerr := &ConnectError{Backend: ep.remote.String(), Err: err}
	peer := server.peerOf(ep)
	if peer != nil {
		server.Log.Errorf("port proxy: %s: %s", peer.remote, cerr)
	} else {
		server.Log.Error(cerr.Error())
	}
	server.closePair(ep, "connect failed")
}

func (server *PortServer) relayFailed(ep *Endpoint, op string, err error) {
	server.Stats.RelayErrors.Add(1)
	server.Metrics.relayErrors.Inc()

	rerr := &RelayError{Op: op, Err: err}
	if err == unix.ECONNRESET || err == unix.EPIPE {
		// the usual way for a client to leave
		server.Log.Tracef("port proxy: %s %s: %s", ep.role, ep.remote, rerr)
	} else {
		server.Log.Warningf("port proxy: %s %s: %s", ep.role, ep.remote, rerr)
	}
	server.closePair(ep, rerr.Error())
}
