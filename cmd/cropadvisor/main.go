package main

import (
	"os"

	"github.com/harun/cropadvisor/internal/cli"
)

func main() {
	// cobra already printed the error
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
