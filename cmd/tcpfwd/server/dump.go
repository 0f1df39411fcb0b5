package server

import (
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/OnitiFR/tcpfwd/common"
	"github.com/c2h5oh/datasize"
	"github.com/olekukonko/tablewriter"
)

func humanBytes(n int64) string {
	return (datasize.ByteSize(n) * datasize.B).HR()
}

// Dump writes listeners, connection pairs and rate controller state to w.
// The state is collected by the event loop goroutine.
func (server *PortServer) Dump(w io.Writer) {
	var listeners, pairs [][]string
	var rateDump strings.Builder

	now := time.Now()
	ok := server.Exec(func() {
		for _, port := range sortedListenerPorts(server.Listeners) {
			pl := server.Listeners[port]
			state := "ok"
			if pl.stalled {
				state = "stalled"
			}
			listeners = append(listeners, []string{
				pl.Addr().String(),
				pl.Rule.Backend.String(),
				strconv.Itoa(pl.ConnectionCount),
				state,
			})
		}

		for _, in := range server.pairs() {
			out := server.peerOf(in)
			pairs = append(pairs, []string{
				in.remote.String(),
				strconv.Itoa(int(in.listener.Port())),
				out.remote.String(),
				in.state() + "/" + out.state(),
				humanBytes(in.bytesRead),
				humanBytes(out.bytesRead),
				humanBytes(int64(out.pending.Len())) + "/" + humanBytes(int64(in.pending.Len())),
				common.BeautifyDuration(now.Sub(in.created)),
			})
		}

		if server.rate.Count() > 0 {
			server.rate.Dump(&rateDump)
		}
	})

	if !ok {
		fmt.Fprintf(w, "-- PortServer: stopped\n")
		return
	}

	stats := server.Stats.Snapshot()
	fmt.Fprintf(w, "-- PortServer: %d listener(s), %d pair(s)\n", len(listeners), stats.ActivePairs)
	fmt.Fprintf(w, "  accepted: %d, rejected: %d, connect errors: %d, relay errors: %d\n",
		stats.Accepted, stats.Rejected, stats.ConnectErrors, stats.RelayErrors)
	fmt.Fprintf(w, "  relayed: ->%s <-%s, pending high water: %s\n",
		humanBytes(stats.BytesUpstream), humanBytes(stats.BytesDownstream), humanBytes(stats.PendingHighWater))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Listen", "Backend", "Pairs", "State"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(listeners)
	table.Render()

	if len(pairs) > 0 {
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"Client", "Port", "Backend", "State", "Up", "Down", "Pending", "Age"})
		table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
		table.SetCenterSeparator("|")
		table.AppendBulk(pairs)
		table.Render()
	}

	io.WriteString(w, rateDump.String())
}

func sortedListenerPorts(listeners map[uint16]*PortListener) []uint16 {
	rules := make(common.ForwardRules, len(listeners))
	for port, pl := range listeners {
		rules[port] = pl.Rule
	}
	return rules.Ports()
}

// from https://golang.org/src/runtime/pprof/pprof.go
func writeGoroutineStacks(w io.Writer) error {
	fmt.Fprintf(w, "-- Goroutines:\n")

	// We don't know how big the buffer needs to be to collect
	// all the goroutines. Start with 1 MB and try a few times, doubling each time.
	// Give up and use a truncated trace if 64 MB is not enough.
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		if len(buf) >= 64<<20 {
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	_, err := w.Write(buf)
	return err
}
