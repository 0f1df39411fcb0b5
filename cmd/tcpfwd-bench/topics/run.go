package topics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/OnitiFR/tcpfwd/cmd/tcpfwd-bench/bench"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// errBenchFailed is returned when an echo is missing or mismatched
var errBenchFailed = errors.New("benchmark failed")

// runCmd represents the "run" command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test against a forwarder",
	Long: `Opens --connections connections to address:port. Each connection
sends the message --iterations times and checks each echo.

Examples:
  tcpfwd-bench run -a 127.0.0.1 -p 9000 -c 500 -i 100
  tcpfwd-bench run -a 127.0.0.1 -p 9000 -c 10 -i 1000 --rate 2000 -d hello`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetUint16("port")
		data, _ := cmd.Flags().GetString("data")

		opts := bench.Options{
			Address:  net.JoinHostPort(host, strconv.Itoa(int(port))),
			Data:     []byte(data),
			Counters: &bench.Counters{},
		}
		opts.Connections, _ = cmd.Flags().GetInt("connections")
		opts.Iterations, _ = cmd.Flags().GetInt("iterations")
		opts.Size, _ = cmd.Flags().GetInt("size")
		opts.Rate, _ = cmd.Flags().GetFloat64("rate")
		opts.Timeout, _ = cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		done := make(chan struct{})
		start := time.Now()
		live := term.IsTerminal(int(os.Stdout.Fd()))
		if live {
			go func() {
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						fmt.Fprintf(out, "\r%s", bench.LiveLine(opts.Counters, time.Since(start)))
					}
				}
			}()
		}

		report, err := bench.Run(ctx, opts)
		close(done)
		if report == nil {
			return err
		}

		if live {
			fmt.Fprintln(out)
		}
		report.Render(out)

		if err != nil {
			return err
		}
		if !report.Success() {
			return errBenchFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("address", "a", "127.0.0.1", "forwarder host")
	runCmd.Flags().Uint16P("port", "p", 9000, "forwarder port")
	runCmd.Flags().IntP("connections", "c", 100, "number of concurrent connections")
	runCmd.Flags().StringP("data", "d", "tcpfwd-bench", "message payload")
	runCmd.Flags().IntP("iterations", "i", 10, "messages per connection")
	runCmd.Flags().IntP("size", "s", bench.DefaultMessageSize, "message size (payload is zero-padded)")
	runCmd.Flags().Float64("rate", 0, "max messages per second, all connections (0 = unlimited)")
	runCmd.Flags().Duration("timeout", 10*time.Second, "dial and per-message timeout")
}
