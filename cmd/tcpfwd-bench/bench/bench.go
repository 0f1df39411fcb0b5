package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMessageSize is the size of a message when Options.Size is 0
const DefaultMessageSize = 800

// Options of a benchmark run
type Options struct {
	Address     string        // forwarder (or echo server) address, host:port
	Connections int           // number of concurrent connections
	Data        []byte        // message payload, zero-padded to Size
	Size        int           // message size in bytes (0 = DefaultMessageSize)
	Iterations  int           // messages per connection
	Rate        float64       // global messages/s (0 = unlimited)
	Timeout     time.Duration // per message (and dial) timeout (0 = 10s)

	// optional, updated during the run (for live display)
	Counters *Counters
}

// Counters are live run counters, safe for concurrent use
type Counters struct {
	Connected  atomic.Int64
	SentMsg    atomic.Int64
	SentBytes  atomic.Int64
	RecvMsg    atomic.Int64
	RecvBytes  atomic.Int64
	Mismatches atomic.Int64
	Errors     atomic.Int64
	rttTotal   atomic.Int64 // nanoseconds
	rttMax     atomic.Int64
}

// AvgRTT returns the average round trip time so far
func (c *Counters) AvgRTT() time.Duration {
	n := c.RecvMsg.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.rttTotal.Load() / n)
}

func (c *Counters) observeRTT(d time.Duration) {
	c.rttTotal.Add(int64(d))
	for {
		cur := c.rttMax.Load()
		if int64(d) <= cur || c.rttMax.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Message returns the payload sent by each connection
func (opts *Options) Message() []byte {
	size := opts.Size
	if size <= 0 {
		size = DefaultMessageSize
	}
	msg := make([]byte, size)
	copy(msg, opts.Data)
	return msg
}

func (opts *Options) check() error {
	if opts.Address == "" {
		return errors.New("no address")
	}
	if opts.Connections < 1 {
		return fmt.Errorf("invalid connection count %d", opts.Connections)
	}
	if opts.Iterations < 1 {
		return fmt.Errorf("invalid iteration count %d", opts.Iterations)
	}
	if opts.Size < 0 {
		return fmt.Errorf("invalid message size %d", opts.Size)
	}
	if opts.Size > 0 && len(opts.Data) > opts.Size {
		return fmt.Errorf("data is larger than message size (%d > %d)", len(opts.Data), opts.Size)
	}
	if opts.Rate < 0 {
		return fmt.Errorf("invalid rate %f", opts.Rate)
	}
	return nil
}

// Run opens Options.Connections connections to Options.Address, each one
// sending the message Options.Iterations times and checking every echo.
// Connection failures and mismatches are counted in the Report, the
// returned error is only about invalid options or a canceled context.
func Run(ctx context.Context, opts Options) (*Report, error) {
	err := opts.check()
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	counters := opts.Counters
	if counters == nil {
		counters = &Counters{}
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	msg := opts.Message()
	report := &Report{
		Options: opts,
		Size:    len(msg),
	}

	var errMutex sync.Mutex
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < opts.Connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runConnection(ctx, opts.Address, msg, opts.Iterations, timeout, limiter, counters)
			if err != nil {
				counters.Errors.Add(1)
				errMutex.Lock()
				if report.FirstError == nil {
					report.FirstError = err
				}
				errMutex.Unlock()
			}
		}()
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	report.SentMsg = counters.SentMsg.Load()
	report.SentBytes = counters.SentBytes.Load()
	report.RecvMsg = counters.RecvMsg.Load()
	report.RecvBytes = counters.RecvBytes.Load()
	report.Mismatches = counters.Mismatches.Load()
	report.Errors = counters.Errors.Load()
	report.AvgRTT = counters.AvgRTT()
	report.MaxRTT = time.Duration(counters.rttMax.Load())

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

func runConnection(ctx context.Context, address string, msg []byte, iterations int, timeout time.Duration, limiter *rate.Limiter, counters *Counters) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	counters.Connected.Add(1)

	// unblock pending I/O on cancel
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	echo := make([]byte, len(msg))
	for i := 0; i < iterations; i++ {
		if limiter != nil {
			err := limiter.Wait(ctx)
			if err != nil {
				return err
			}
		}

		sent := time.Now()
		conn.SetDeadline(sent.Add(timeout))

		_, err := conn.Write(msg)
		if err != nil {
			return err
		}
		counters.SentMsg.Add(1)
		counters.SentBytes.Add(int64(len(msg)))

		_, err = io.ReadFull(conn, echo)
		if err != nil {
			return err
		}
		counters.RecvMsg.Add(1)
		counters.RecvBytes.Add(int64(len(echo)))
		counters.observeRTT(time.Since(sent))

		if !bytes.Equal(msg, echo) {
			counters.Mismatches.Add(1)
		}
	}

	return nil
}
