package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basalt-run/fleetrun/pkg/api"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API front-end",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		server := api.NewServer(store, broker, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(ctx) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		log.WithComponent("serve").Info().Str("addr", cfg.APIAddr).Msg("api listening")

		select {
		case <-sigCh:
			log.Info("shutting down")
			cancel()
			return <-errCh
		case err := <-errCh:
			return err
		}
	},
}
