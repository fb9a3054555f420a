// Command quince is a reference CLI driving the quic dispatcher: a
// server subcommand that listens for QUIC connections and a client
// subcommand that opens one.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
