package bench

import (
	"errors"
	"io"
	"net"
	"sync"
)

// EchoServer sends back everything it receives. When the client shuts
// down its write side, the echo is completed and then the server does
// the same, so half-closed connections behave as expected.
type EchoServer struct {
	listener net.Listener

	mutex  sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewEchoServer listens on address (ex: "127.0.0.1:0") and starts serving
func NewEchoServer(address string) (*EchoServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	es := &EchoServer{
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}

	es.wg.Add(1)
	go es.serve()

	return es, nil
}

// Addr returns the listening address
func (es *EchoServer) Addr() *net.TCPAddr {
	return es.listener.Addr().(*net.TCPAddr)
}

func (es *EchoServer) serve() {
	defer es.wg.Done()
	for {
		conn, err := es.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if !es.track(conn) {
			conn.Close()
			return
		}

		es.wg.Add(1)
		go es.handle(conn)
	}
}

func (es *EchoServer) track(conn net.Conn) bool {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	if es.closed {
		return false
	}
	es.conns[conn] = struct{}{}
	return true
}

func (es *EchoServer) handle(conn net.Conn) {
	defer es.wg.Done()
	defer func() {
		es.mutex.Lock()
		delete(es.conns, conn)
		es.mutex.Unlock()
		conn.Close()
	}()

	_, err := io.Copy(conn, conn)
	if err != nil {
		return
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
		// wait for the client to close
		io.Copy(io.Discard, conn)
	}
}

// Count returns the number of open connections
func (es *EchoServer) Count() int {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	return len(es.conns)
}

// Close stops listening, closes every connection and waits for
// handlers to finish
func (es *EchoServer) Close() error {
	es.mutex.Lock()
	es.closed = true
	err := es.listener.Close()
	for conn := range es.conns {
		conn.Close()
	}
	es.mutex.Unlock()

	es.wg.Wait()
	return err
}
