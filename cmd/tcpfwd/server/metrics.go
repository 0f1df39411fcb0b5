package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats are live counters, readable from any goroutine
type Stats struct {
	Accepted         atomic.Int64
	Rejected         atomic.Int64
	ConnectErrors    atomic.Int64
	RelayErrors      atomic.Int64
	ActivePairs      atomic.Int64
	BytesUpstream    atomic.Int64 // client -> backend
	BytesDownstream  atomic.Int64 // backend -> client
	PendingHighWater atomic.Int64 // largest pending buffer ever seen
}

// StatsSnapshot is a copy of Stats at a given time
type StatsSnapshot struct {
	Accepted         int64
	Rejected         int64
	ConnectErrors    int64
	RelayErrors      int64
	ActivePairs      int64
	BytesUpstream    int64
	BytesDownstream  int64
	PendingHighWater int64
}

// Snapshot returns a copy of current counters
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:         s.Accepted.Load(),
		Rejected:         s.Rejected.Load(),
		ConnectErrors:    s.ConnectErrors.Load(),
		RelayErrors:      s.RelayErrors.Load(),
		ActivePairs:      s.ActivePairs.Load(),
		BytesUpstream:    s.BytesUpstream.Load(),
		BytesDownstream:  s.BytesDownstream.Load(),
		PendingHighWater: s.PendingHighWater.Load(),
	}
}

func (s *Stats) observePending(n int) {
	v := int64(n)
	for {
		cur := s.PendingHighWater.Load()
		if v <= cur || s.PendingHighWater.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Metrics are Prometheus collectors, on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	connectErrors prometheus.Counter
	relayErrors   prometheus.Counter
	activePairs   prometheus.Gauge
	bytesUp       prometheus.Counter
	bytesDown     prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	relayed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfwd_relayed_bytes_total",
			Help: "Bytes forwarded, by direction",
		},
		[]string{"direction"},
	)

	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpfwd_connections_accepted_total",
				Help: "Inbound connections accepted, by listen port",
			},
			[]string{"listen_port"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpfwd_connections_rejected_total",
				Help: "Inbound connections closed right after accept, by reason",
			},
			[]string{"reason"},
		),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpfwd_connect_errors_total",
			Help: "Failed outbound connections",
		}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpfwd_relay_errors_total",
			Help: "Pairs closed by a read or write error",
		}),
		activePairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpfwd_active_pairs",
			Help: "Currently forwarded connection pairs",
		}),
		bytesUp:   relayed.WithLabelValues("upstream"),
		bytesDown: relayed.WithLabelValues("downstream"),
	}

	m.Registry.MustRegister(
		m.accepted,
		m.rejected,
		m.connectErrors,
		m.relayErrors,
		m.activePairs,
		relayed,
	)
	return m
}

func (m *Metrics) connectionAccepted(port uint16) {
	m.accepted.WithLabelValues(strconv.Itoa(int(port))).Inc()
}

func (m *Metrics) connectionRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// Serve exposes the metrics over HTTP (/metrics) on address
func (m *Metrics) Serve(address string, log *Log) (*http.Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler: mux,
	}

	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %s", err)
		}
	}()

	log.Infof("metrics available at http://%s/metrics", listener.Addr())
	return srv, nil
}
