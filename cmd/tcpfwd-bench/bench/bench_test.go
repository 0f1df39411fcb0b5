package bench

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T) *EchoServer {
	echo, err := NewEchoServer("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { echo.Close() })
	return echo
}

func TestOptionsMessage(t *testing.T) {
	opts := Options{Data: []byte("abc")}
	msg := opts.Message()
	require.Len(t, msg, DefaultMessageSize)
	assert.Equal(t, "abc", string(msg[:3]))
	assert.Equal(t, byte(0), msg[3])

	opts.Size = 3
	assert.Equal(t, "abc", string(opts.Message()))
}

func TestRunInvalidOptions(t *testing.T) {
	tests := []Options{
		{Connections: 1, Iterations: 1},
		{Address: "127.0.0.1:1", Connections: 0, Iterations: 1},
		{Address: "127.0.0.1:1", Connections: 1, Iterations: 0},
		{Address: "127.0.0.1:1", Connections: 1, Iterations: 1, Size: 2, Data: []byte("abc")},
		{Address: "127.0.0.1:1", Connections: 1, Iterations: 1, Rate: -1},
	}
	for _, opts := range tests {
		report, err := Run(context.Background(), opts)
		assert.Error(t, err)
		assert.Nil(t, report)
	}
}

func TestRunAgainstEcho(t *testing.T) {
	echo := startEcho(t)

	counters := &Counters{}
	report, err := Run(context.Background(), Options{
		Address:     echo.Addr().String(),
		Connections: 10,
		Data:        []byte("hello"),
		Size:        64,
		Iterations:  20,
		Counters:    counters,
	})
	require.NoError(t, err)
	require.NoError(t, report.FirstError)

	assert.True(t, report.Success())
	assert.Equal(t, int64(200), report.Expected())
	assert.Equal(t, int64(200), report.SentMsg)
	assert.Equal(t, int64(200), report.RecvMsg)
	assert.Equal(t, int64(200*64), report.RecvBytes)
	assert.Equal(t, int64(10), counters.Connected.Load())
	assert.Greater(t, report.MaxRTT, time.Duration(0))
	assert.GreaterOrEqual(t, report.MaxRTT, report.AvgRTT)

	var sb strings.Builder
	report.Render(&sb)
	assert.Contains(t, sb.String(), "OK")
	assert.Contains(t, sb.String(), "200 / 200 msg")

	assert.Contains(t, LiveLine(counters, time.Second), "recv: 200")
}

func TestRunMismatch(t *testing.T) {
	// answers with the same size, but not the same bytes
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 16)
				for {
					_, err := io.ReadFull(conn, buf)
					if err != nil {
						return
					}
					buf[0] ^= 0xff
					conn.Write(buf)
				}
			}()
		}
	}()

	report, err := Run(context.Background(), Options{
		Address:     l.Addr().String(),
		Connections: 2,
		Size:        16,
		Iterations:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.Mismatches)
	assert.False(t, report.Success())

	var sb strings.Builder
	report.Render(&sb)
	assert.Contains(t, sb.String(), "FAILED")
}

func TestRunConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	report, err := Run(context.Background(), Options{
		Address:     addr,
		Connections: 3,
		Iterations:  1,
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Errors)
	assert.Error(t, report.FirstError)
	assert.False(t, report.Success())
}

func TestRunRateLimited(t *testing.T) {
	echo := startEcho(t)

	// 40 messages at 20/s, the first 20 are the burst
	start := time.Now()
	report, err := Run(context.Background(), Options{
		Address:     echo.Addr().String(),
		Connections: 2,
		Iterations:  20,
		Rate:        20,
	})
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestRunCanceled(t *testing.T) {
	echo := startEcho(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := Run(ctx, Options{
		Address:     echo.Addr().String(),
		Connections: 2,
		Iterations:  5,
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.False(t, report.Success())
}

func TestEchoServerHalfClose(t *testing.T) {
	echo := startEcho(t)

	conn, err := net.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "half", string(data))

	conn.Close()
	require.Eventually(t, func() bool {
		return echo.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
