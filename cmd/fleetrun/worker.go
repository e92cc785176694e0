package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basalt-run/fleetrun/pkg/adb"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single task from PREPARING to a terminal status (internal; execed by the scheduler)",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task-id")
		deviceID, _ := cmd.Flags().GetString("device-id")
		if taskID == "" || deviceID == "" {
			return fmt.Errorf("--task-id and --device-id are required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		bridge := adb.New(cfg.AdbPath, cfg.DeviceWorkspace)
		w := worker.New(worker.Config{
			TaskID:   taskID,
			DeviceID: deviceID,
			Store:    store,
			Bridge:   bridge,
			Cfg:      cfg,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().String("task-id", "", "task to execute")
	workerCmd.Flags().String("device-id", "", "device assigned to the task")
}
