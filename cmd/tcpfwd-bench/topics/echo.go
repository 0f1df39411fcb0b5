package topics

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OnitiFR/tcpfwd/cmd/tcpfwd-bench/bench"
	"github.com/spf13/cobra"
)

// echoCmd represents the "echo" command
var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run an echo backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		server, err := bench.NewEchoServer(listen)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "echo server listening on %s\n", server.Addr())

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		return server.Close()
	},
}

func init() {
	rootCmd.AddCommand(echoCmd)
	echoCmd.Flags().StringP("listen", "l", ":7000", "listen address")
}
