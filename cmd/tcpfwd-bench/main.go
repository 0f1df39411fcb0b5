package main

import (
	"os"

	"github.com/OnitiFR/tcpfwd/cmd/tcpfwd-bench/topics"
)

func main() {
	err := topics.Execute()
	if err != nil {
		os.Exit(1)
	}
}
