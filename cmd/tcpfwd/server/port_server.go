package server

import (
	"time"

	"github.com/OnitiFR/tcpfwd/common"
)

// HousekeepingInterval is the maximum delay between two housekeeping runs
const HousekeepingInterval = 1 * time.Second

// rate controller entries unused for this long are forgotten
const rateEntryUnusedTime = 10 * time.Minute

// PortServer will manage TCP forward proxy port listeners and relay
// every forwarded connection from a single event loop goroutine
type PortServer struct {
	Listeners map[uint16]*PortListener
	Log       *Log
	Stats     *Stats
	Metrics   *Metrics

	config           *AppConfig
	loop             *EventLoop
	rate             *RateController
	bufferSize       int
	readBuf          []byte
	flushBuf         []byte
	stalledListeners int
	done             chan struct{}
}

// NewPortServer will create the event loop and one listener per rule.
// Any listener failure is fatal (*ListenError), nothing is left open.
func NewPortServer(config *AppConfig, rules common.ForwardRules, log *Log, metrics *Metrics) (*PortServer, error) {
	loop, err := NewEventLoop(config.MaxEvents)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = NewMetrics()
	}

	bufferSize := int(config.BufferSize.Bytes())
	if bufferSize <= 0 {
		bufferSize = int(DefaultBufferSize.Bytes())
	}

	server := &PortServer{
		Listeners:  make(map[uint16]*PortListener),
		Log:        log,
		Stats:      &Stats{},
		Metrics:    metrics,
		config:     config,
		loop:       loop,
		rate:       NewRateController(config.RateControl),
		bufferSize: bufferSize,
		readBuf:    make([]byte, bufferSize),
		flushBuf:   make([]byte, bufferSize),
		done:       make(chan struct{}),
	}

	for _, port := range rules.Ports() {
		rule := rules[port]
		listener, err := NewPortListener(server, rule, config.ListenAddress)
		if err != nil {
			server.closeListeners()
			loop.Close()
			return nil, err
		}
		server.Listeners[listener.Port()] = listener
		log.Infof("port proxy: listening on %s (forwards to %s)", listener.Addr(), rule.Backend)
	}

	loop.Housekeeping = server.housekeeping
	server.updateHousekeeping()

	return server, nil
}

// Run relays connections until Shutdown is called (blocking)
func (server *PortServer) Run() error {
	defer close(server.done)
	return server.loop.Run()
}

// Done is closed when Run returns
func (server *PortServer) Done() <-chan struct{} {
	return server.done
}

// Shutdown closes every listener and connection pair, then makes Run
// return. It's safe to call from any goroutine.
func (server *PortServer) Shutdown() {
	server.loop.Post(server.shutdown)
}

// Exec runs fn on the event loop goroutine and waits for it. Returns
// false if the loop is already closed.
func (server *PortServer) Exec(fn func()) bool {
	done := make(chan struct{})
	posted := server.loop.Post(func() {
		defer close(done)
		fn()
	})
	if !posted {
		return false
	}
	<-done
	return true
}

// Close releases listeners and the event loop of a server that was
// never run
func (server *PortServer) Close() {
	server.shutdown()
	server.loop.Close()
	close(server.done)
}

func (server *PortServer) shutdown() {
	server.Log.Info("port proxy: shutting down")
	server.closeListeners()

	pairs := server.pairs()
	for _, ep := range pairs {
		server.closePair(ep, "shutdown")
	}
	if len(pairs) > 0 {
		server.Log.Infof("port proxy: %d connection(s) closed", len(pairs))
	}

	server.loop.Stop()
}

func (server *PortServer) closeListeners() {
	for port, listener := range server.Listeners {
		err := listener.Close()
		if err != nil {
			server.Log.Errorf("unable to close port %d: %s", port, err)
		}
		delete(server.Listeners, port)
	}
}

// housekeeping is only needed for idle timeout, rate control and
// stalled listeners, otherwise the loop waits without timeout
func (server *PortServer) updateHousekeeping() {
	interval := time.Duration(0)
	if server.config.IdleTimeout > 0 || server.rate.Enabled() || server.stalledListeners > 0 {
		interval = HousekeepingInterval
	}

	if server.config.IdleTimeout > 0 && server.config.IdleTimeout/2 < interval {
		interval = server.config.IdleTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
	}

	server.loop.HousekeepingInterval = interval
}

func (server *PortServer) housekeeping(now time.Time) {
	if server.stalledListeners > 0 {
		for _, listener := range server.Listeners {
			if listener.stalled {
				listener.acceptAll()
			}
		}
	}

	if server.config.IdleTimeout > 0 {
		for _, in := range server.pairs() {
			out := server.peerOf(in)
			last := in.lastActivity
			if out.lastActivity.After(last) {
				last = out.lastActivity
			}
			if now.Sub(last) > server.config.IdleTimeout {
				server.closePair(in, "idle timeout")
			}
		}
	}

	if server.rate.Enabled() {
		server.rate.Clean(rateEntryUnusedTime, now)
	}
}
