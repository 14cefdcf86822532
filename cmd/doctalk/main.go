// Command doctalk is a headless console client for talking to your
// documents over a live voice session.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "doctalk: %v\n", err)
		os.Exit(1)
	}
}
