package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Report is the result of a Run
type Report struct {
	Options Options
	Size    int // message size

	Elapsed    time.Duration
	SentMsg    int64
	SentBytes  int64
	RecvMsg    int64
	RecvBytes  int64
	Mismatches int64
	Errors     int64 // failed connections
	AvgRTT     time.Duration
	MaxRTT     time.Duration

	FirstError error
}

// Expected returns the number of echoes a successful run receives
func (r *Report) Expected() int64 {
	return int64(r.Options.Connections) * int64(r.Options.Iterations)
}

// Success is true if every echo was received and matched
func (r *Report) Success() bool {
	return r.Mismatches == 0 && r.Errors == 0 && r.RecvMsg == r.Expected()
}

func perSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func humanBytes(n int64) string {
	return (datasize.ByteSize(n) * datasize.B).HR()
}

// LiveLine returns a one-line progress summary of counters
func LiveLine(c *Counters, elapsed time.Duration) string {
	p := message.NewPrinter(language.English)
	recv := c.RecvMsg.Load()
	return p.Sprintf("%7.1fs  conn: %d  sent: %d  recv: %d (%s)  %.0f msg/s  rtt: %s",
		elapsed.Seconds(),
		c.Connected.Load(),
		c.SentMsg.Load(),
		recv,
		humanBytes(c.RecvBytes.Load()),
		perSecond(recv, elapsed),
		c.AvgRTT().Round(time.Microsecond),
	)
}

// Render writes the final report table and verdict
func (r *Report) Render(w io.Writer) {
	p := message.NewPrinter(language.English)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"Target", r.Options.Address},
		{"Connections", p.Sprintf("%d", r.Options.Connections)},
		{"Message size", humanBytes(int64(r.Size))},
		{"Time", r.Elapsed.Round(time.Millisecond).String()},
		{"Sent", p.Sprintf("%d msg (%s)", r.SentMsg, humanBytes(r.SentBytes))},
		{"Received", p.Sprintf("%d / %d msg (%s)", r.RecvMsg, r.Expected(), humanBytes(r.RecvBytes))},
		{"Throughput", p.Sprintf("%.1f msg/s (%s/s)", perSecond(r.RecvMsg, r.Elapsed), humanBytes(int64(perSecond(r.RecvBytes, r.Elapsed))))},
		{"Avg RTT", r.AvgRTT.Round(time.Microsecond).String()},
		{"Max RTT", r.MaxRTT.Round(time.Microsecond).String()},
		{"Mismatches", p.Sprintf("%d", r.Mismatches)},
		{"Failed connections", p.Sprintf("%d", r.Errors)},
	})
	table.Render()

	if r.Success() {
		fmt.Fprintf(w, "%s\n", color.New(color.FgHiGreen).Sprint("OK: every echo matched"))
		return
	}

	fmt.Fprintf(w, "%s\n", color.New(color.FgHiRed).Sprint("FAILED"))
	if r.FirstError != nil {
		fmt.Fprintf(w, "first error: %s\n", r.FirstError)
	}
}
