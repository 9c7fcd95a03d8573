package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rclone-hub",
	Short: "A verified transfer orchestrator for rclone remotes",
	Long: `rclone-hub drives an rclone binary to move data between remotes:
durable copy/move/delete jobs with staged fallback and strict
verification, plus pollable search and disk-usage scans, served over
a local HTTP API.`,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(serveCmd)
}
