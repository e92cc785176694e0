package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basalt-run/fleetrun/pkg/adb"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/scheduler"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the dispatch/liveness/reap loop and device inventory refresh",
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

		bridge := adb.New(cfg.AdbPath, cfg.DeviceWorkspace)
		sched := scheduler.New(store, bridge, broker, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go sched.Run(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		log.WithComponent("scheduler").Info().Dur("tick", cfg.SchedulerTick).Msg("scheduler running")
		<-sigCh
		log.Info("shutting down")
		cancel()
		sched.Stop()
		return nil
	},
}
