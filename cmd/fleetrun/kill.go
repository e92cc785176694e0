package main

import (
	"context"
	"fmt"

	"github.com/basalt-run/fleetrun/pkg/client"
	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill <task-id>",
	Short: "Kill a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverAddr)
		if err := c.Task(args[0]).Kill(context.Background()); err != nil {
			return fmt.Errorf("kill task: %w", err)
		}
		fmt.Println("kill requested")
		return nil
	},
}
