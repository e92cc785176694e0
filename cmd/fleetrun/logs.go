package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basalt-run/fleetrun/pkg/client"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Stream a task's stdout or stderr until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetString("stream")
		if stream != "stdout" && stream != "stderr" {
			return fmt.Errorf("--stream must be stdout or stderr")
		}

		c := client.New(serverAddr)
		out := os.Stdout
		if stream == "stderr" {
			out = os.Stderr
		}
		return c.Task(args[0]).StreamLog(context.Background(), stream, out)
	},
}

func init() {
	logsCmd.Flags().String("stream", "stdout", "stdout or stderr")
}
