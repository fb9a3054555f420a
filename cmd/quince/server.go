package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/quince-io/quince"
	"github.com/quince-io/quince/transport"
)

func newServerCmd() *cobra.Command {
	var (
		listenAddr  string
		configPath  string
		enableRetry bool
		certs       []string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Listen for QUIC connections and drive the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(certs) > 0 {
				cfg.Certificates = certs
			}
			if enableRetry {
				cfg.RequireRetry = true
			}

			cidMgr := transport.NewRandomCIDSource(cfg.CIDLength)
			antiReplay := transport.NewAntiReplay(10 * time.Second)
			dispatcher := quic.New(time.Now(), cfg.Certificates, cfg.ALPNProtocols, antiReplay, cidMgr)
			dispatcher.SetLogger(logger())
			dispatcher.SetRetryRequired(cfg.RequireRetry)

			server := quic.NewUDPServer(dispatcher)
			server.SetLogger(logger())

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			go func() {
				<-sigCh
				cancel()
				server.Close()
			}()
			return server.ListenAndServe(ctx, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "localhost:4433", "listen on the given IP:port")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&enableRetry, "retry", false, "require a Retry round trip before accepting new connections")
	cmd.Flags().StringSliceVar(&certs, "cert", nil, "certificate name(s) to present, repeatable")
	return cmd
}
