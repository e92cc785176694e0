package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basalt-run/fleetrun/pkg/archive"
	"github.com/basalt-run/fleetrun/pkg/client"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch a command to a device and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		inFiles, _ := cmd.Flags().GetStringArray("in")
		cmdParts, _ := cmd.Flags().GetStringArray("cmd")
		outFiles, _ := cmd.Flags().GetStringArray("out")
		deviceID, _ := cmd.Flags().GetString("dev")
		if len(cmdParts) == 0 {
			return fmt.Errorf("--cmd is required")
		}
		if deviceID == "" {
			return fmt.Errorf("--dev is required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		c := client.New(serverAddr)
		ctx := context.Background()

		log.Info("starting task")
		task, err := c.CreateTask(ctx, client.CreateTaskRequest{
			HintDeviceID: deviceID,
			Shell:        cmdParts,
			OutputFiles:  outFiles,
			CreateUser:   os.Getenv("USER"),
		})
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		log.Info("packaging inputs")
		inputTar := filepath.Join(cfg.InputArchiveDir(), task.ID()+".tar")
		if err := archive.PackInput(cfg, inFiles, inputTar); err != nil {
			return fmt.Errorf("pack input: %w", err)
		}
		defer os.Remove(inputTar)
		if err := task.UploadInput(ctx, inputTar); err != nil {
			return fmt.Errorf("upload input: %w", err)
		}

		if err := task.Run(ctx, os.Stdout, os.Stderr); err != nil {
			return err
		}

		log.Info("retrieving results")
		outputTar := filepath.Join(cfg.OutputArchiveDir(), task.ID()+".tar")
		if err := task.DownloadOutput(ctx, outputTar); err != nil {
			return fmt.Errorf("download output: %w", err)
		}
		defer os.Remove(outputTar)
		if err := archive.UnpackOutput(outputTar, "."); err != nil {
			return fmt.Errorf("unpack output: %w", err)
		}

		log.Info("finished")
		return nil
	},
}

func init() {
	runCmd.Flags().StringArray("in", nil, "input files")
	runCmd.Flags().StringArray("cmd", nil, "command")
	runCmd.Flags().StringArray("out", nil, "output files")
	runCmd.Flags().String("dev", "", "device id")
}
