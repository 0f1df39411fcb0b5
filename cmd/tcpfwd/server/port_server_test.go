package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/OnitiFR/tcpfwd/cmd/tcpfwd-bench/bench"
	"github.com/OnitiFR/tcpfwd/common"
	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = net.IPv4(127, 0, 0, 1).To4()

func testLog() *Log {
	log := NewLog(true)
	log.SetOutput(io.Discard)
	return log
}

// startServer runs a forwarder with a single rule (ephemeral listen port)
// to backend, stopped at the end of the test
func startServer(t *testing.T, backend *net.TCPAddr, configure func(config *AppConfig)) (*PortServer, string) {
	config := NewAppConfig(t.TempDir())
	config.ListenAddress = loopback
	if configure != nil {
		configure(config)
	}

	rules := common.ForwardRules{
		0: {
			BackendHost: backend.IP.String(),
			BackendPort: uint16(backend.Port),
			Backend:     backend,
		},
	}

	server, err := NewPortServer(config, rules, testLog(), nil)
	require.NoError(t, err)
	require.Len(t, server.Listeners, 1)

	var addr string
	for _, pl := range server.Listeners {
		addr = pl.Addr().String()
	}

	go server.Run()
	t.Cleanup(func() {
		server.Shutdown()
		<-server.Done()
	})

	return server, addr
}

func startEcho(t *testing.T) *bench.EchoServer {
	echo, err := bench.NewEchoServer("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { echo.Close() })
	return echo
}

func waitNoPairs(t *testing.T, server *PortServer) {
	require.Eventually(t, func() bool {
		return server.Stats.ActivePairs.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// countSockets counts the open socket descriptors of the process. Other
// descriptors (ex: the runtime splice pipe pool) are not counted.
func countSockets(t *testing.T) int {
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)

	count := 0
	for _, entry := range entries {
		target, err := os.Readlink(path.Join("/proc/self/fd", entry.Name()))
		if err != nil {
			// the ReadDir descriptor itself is gone by now
			continue
		}
		if strings.HasPrefix(target, "socket:") {
			count++
		}
	}
	return count
}

func TestForwardByteFidelity(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	data := make([]byte, 4*1024*1024+123)
	_, err = rand.Read(data)
	require.NoError(t, err)

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		writeErr <- err
	}()

	conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	received := make([]byte, len(data))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.True(t, bytes.Equal(data, received), "echoed data differs")

	stats := server.Stats.Snapshot()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(len(data)), stats.BytesUpstream)
	assert.Equal(t, int64(len(data)), stats.BytesDownstream)
	assert.LessOrEqual(t, stats.PendingHighWater, int64(server.bufferSize))

	conn.Close()
	waitNoPairs(t, server)
}

func TestForwardHalfClose(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()

	// reads the whole request, then answers and closes
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := io.ReadAll(conn)
		if err != nil {
			return
		}
		conn.Write([]byte("got " + strconv.Itoa(len(req)) + " bytes: " + string(req)))
	}()

	server, addr := startServer(t, backend.Addr().(*net.TCPAddr), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "got 5 bytes: hello", string(resp))

	waitNoPairs(t, server)
}

func TestForwardBothSidesShutWithDataInFlight(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()

	request := make([]byte, 1024*1024+7)
	reply := make([]byte, 1024*1024+13)
	_, err = rand.Read(request)
	require.NoError(t, err)
	_, err = rand.Read(reply)
	require.NoError(t, err)

	received := make(chan []byte, 1)

	// answers and shuts its write side without waiting for the request
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(20 * time.Second))

		replied := make(chan struct{})
		go func() {
			defer close(replied)
			conn.Write(reply)
			conn.(*net.TCPConn).CloseWrite()
		}()

		data, _ := io.ReadAll(conn)
		<-replied
		received <- data
	}()

	server, addr := startServer(t, backend.Addr().(*net.TCPAddr), func(config *AppConfig) {
		config.BufferSize = 4 * datasize.KB
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(20 * time.Second))

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(request)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.Equal(t, sha256.Sum256(reply), sha256.Sum256(resp))

	select {
	case data := <-received:
		assert.Equal(t, sha256.Sum256(request), sha256.Sum256(data))
	case <-time.After(20 * time.Second):
		t.Fatal("backend did not receive the request")
	}

	waitNoPairs(t, server)
	assert.Equal(t, int64(0), server.Stats.RelayErrors.Load())
	assert.Equal(t, int64(len(request)), server.Stats.BytesUpstream.Load())
	assert.Equal(t, int64(len(reply)), server.Stats.BytesDownstream.Load())
}

func TestForwardBackpressure(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()

	type result struct {
		size int64
		sum  [sha256.Size]byte
	}
	results := make(chan result, 1)

	// slow backend: don't read at first, then consume everything
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)

		h := sha256.New()
		n, _ := io.Copy(h, conn)
		var res result
		res.size = n
		copy(res.sum[:], h.Sum(nil))
		results <- res
	}()

	server, addr := startServer(t, backend.Addr().(*net.TCPAddr), func(config *AppConfig) {
		config.BufferSize = 4 * datasize.KB
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	data := make([]byte, 32*1024*1024)
	_, err = rand.Read(data)
	require.NoError(t, err)

	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err = conn.Write(data)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	select {
	case res := <-results:
		assert.Equal(t, int64(len(data)), res.size)
		assert.Equal(t, sha256.Sum256(data), res.sum)
	case <-time.After(30 * time.Second):
		t.Fatal("backend did not receive everything")
	}

	stats := server.Stats.Snapshot()
	assert.Greater(t, stats.PendingHighWater, int64(0))
	assert.LessOrEqual(t, stats.PendingHighWater, int64(4*1024))

	waitNoPairs(t, server)
}

func TestForwardConnectFailure(t *testing.T) {
	// a port with nobody listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := l.Addr().(*net.TCPAddr)
	l.Close()

	server, addr := startServer(t, dead, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "inbound connection was not closed")
	}

	require.Eventually(t, func() bool {
		return server.Stats.ConnectErrors.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitNoPairs(t, server)
}

func TestForwardLoadNoLeak(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), nil)

	baseline := countSockets(t)

	report, err := bench.Run(context.Background(), bench.Options{
		Address:     addr,
		Connections: 50,
		Data:        []byte("tcpfwd load"),
		Iterations:  100,
		Timeout:     10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, report.FirstError)
	assert.True(t, report.Success())
	assert.Equal(t, int64(5000), report.RecvMsg)
	assert.Equal(t, int64(0), report.Mismatches)

	waitNoPairs(t, server)
	assert.Equal(t, int64(50), server.Stats.Accepted.Load())
	assert.Equal(t, int64(0), server.Stats.RelayErrors.Load())

	// only the waker and the listener are left in the table
	var items int
	require.True(t, server.Exec(func() {
		items = server.loop.Table().Len()
	}))
	assert.Equal(t, 2, items)

	require.Eventually(t, func() bool {
		return countSockets(t) <= baseline && echo.Count() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestForwardShutdown(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	server.Shutdown()
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = conn.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, int64(0), server.Stats.ActivePairs.Load())
	assert.Empty(t, server.Listeners)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// nothing runs on a stopped server
	assert.False(t, server.Exec(func() {}))
}

func TestForwardConcurrentLimit(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), func(config *AppConfig) {
		config.RateControl.ConcurrentMaxConnections = 1
	})

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	first.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = first.Write([]byte("one"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, make([]byte, 3))
	require.NoError(t, err)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	assert.Equal(t, int64(1), server.Stats.Rejected.Load())
	assert.Equal(t, int64(1), server.Stats.ActivePairs.Load())
}

func TestForwardIdleTimeout(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), func(config *AppConfig) {
		config.IdleTimeout = 200 * time.Millisecond
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 4))
	require.NoError(t, err)

	start := time.Now()
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	waitNoPairs(t, server)
}

func TestPortServerListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	config := NewAppConfig(t.TempDir())
	config.ListenAddress = loopback
	backend := &net.TCPAddr{IP: loopback, Port: 7}
	rules := common.ForwardRules{
		port: {ListenPort: port, BackendHost: "127.0.0.1", BackendPort: 7, Backend: backend},
	}

	_, err = NewPortServer(config, rules, testLog(), nil)
	require.Error(t, err)
	var listenErr *ListenError
	require.ErrorAs(t, err, &listenErr)
	assert.Contains(t, listenErr.Address, strconv.Itoa(int(port)))
}

func TestAppRejectsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	config := NewAppConfig(dir)
	config.RulesFile = path.Join(dir, "port_forwarder.conf")
	require.NoError(t, os.WriteFile(config.RulesFile, []byte("abc,host,80\n"), 0644))

	app, err := NewApp(config, false)
	require.Error(t, err)
	assert.Nil(t, app)

	var configErr *common.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, 1, configErr.Line)
	assert.ErrorIs(t, err, common.ErrInvalidPort)
}

func TestPortServerDump(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte("dump"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 4))
	require.NoError(t, err)

	var sb strings.Builder
	server.Dump(&sb)
	out := sb.String()
	assert.Contains(t, out, "-- PortServer: 1 listener(s), 1 pair(s)")
	assert.Contains(t, out, addr)
	assert.Contains(t, out, echo.Addr().String())
	assert.Contains(t, out, "established/established")
}

func TestMetricsRegistry(t *testing.T) {
	echo := startEcho(t)
	server, addr := startServer(t, echo.Addr(), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte("metrics"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 7))
	require.NoError(t, err)
	conn.Close()
	waitNoPairs(t, server)

	families, err := server.Metrics.Registry.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[family.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[family.GetName()] += m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["tcpfwd_connections_accepted_total"])
	assert.Equal(t, 14.0, values["tcpfwd_relayed_bytes_total"])
	assert.Equal(t, 0.0, values["tcpfwd_active_pairs"])
}
