package main

import (
	"github.com/spf13/cobra"

	"github.com/quince-io/quince"
)

var logLevel int

var rootCmd = &cobra.Command{
	Use:   "quince",
	Short: "A minimal QUIC connection-dispatcher reference server and client",
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&logLevel, "v", "v", quic.LevelInfo, "log verbose level (0=error .. 4=trace)")
	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newClientCmd())
}

func logger() quic.Logger {
	return quic.NewLogger(logLevel)
}
