package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basalt-run/fleetrun/pkg/client"
	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/spf13/cobra"
)

var serverAddr string

func init() {
	for _, c := range []*cobra.Command{devicesCmd, runCmd, killCmd, logsCmd} {
		c.Flags().StringVar(&serverAddr, "server", "http://127.0.0.1:10813", "fleetrun API address")
	}
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached devices and the task currently occupying each one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverAddr)
		ctx := context.Background()

		snapshot, err := c.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		tasks, err := c.ListTasks(ctx)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		busy := make(map[string]*types.Task)
		for _, t := range tasks {
			if t.Busy() {
				busy[t.DeviceID] = t
			}
		}

		fmt.Printf("%d devices active\n", len(snapshot.DeviceInfos))
		for _, info := range snapshot.DeviceInfos {
			fmt.Println("---------------------")
			if task, ok := busy[info.DeviceID]; ok {
				fmt.Printf("%s , busy: %s - %ds\n", info.DeviceID, task.CreateUser, int(time.Since(task.StartTime).Seconds()))
			} else {
				fmt.Println(info.DeviceID)
			}
			fmt.Println("  Name: " + optionalString(info.Hostname))
			fmt.Println("  Battery: " + optionalBattery(info.Battery))
			fmt.Println("  Screen: " + optionalPowerOn(info.PowerOn))
		}
		fmt.Println()
		return nil
	},
}

func optionalString(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}

func optionalBattery(b *float64) string {
	if b == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.0f%%", *b)
}

func optionalPowerOn(on *bool) string {
	if on == nil {
		return "unknown"
	}
	if *on {
		return "on"
	}
	return "off"
}
