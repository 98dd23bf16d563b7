package main

import (
	"fmt"
	"os"

	"github.com/danmuck/kaspactl/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kaspactl: %v\n", err)
		os.Exit(1)
	}
}
