package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/quince-io/quince"
)

func newClientCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "client <address>",
		Short: "Open a QUIC connection and drive it until it closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			client := quic.NewClient(cfg)
			client.SetLogger(logger())
			if err := client.Connect(args[0]); err != nil {
				return err
			}
			defer client.Close()
			return client.Serve(context.Background())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}
