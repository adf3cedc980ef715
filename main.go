package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitError    = 1
	exitFailures = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, errTransferFailures) {
			os.Exit(exitFailures)
		}

		os.Exit(exitError)
	}
}
