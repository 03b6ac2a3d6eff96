package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and store statistics",
	Long: `Show the signed-in technician, queued uploads, conflicts, the last sync
time, the network state and whether the document store is reachable.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	stats, err := client.Stats()
	if err != nil {
		return err
	}
	pending, err := client.PendingSyncCount(ctx)
	if err != nil {
		return err
	}

	cfg := client.Config()
	return outputStatus(cmd, statusReport{
		Owner:   client.Owner(),
		Profile: cfg.Profile,
		Remote:  cfg.RemoteURL,
		Sync:    client.Status(),
		Pending: pending,
		Stats:   stats,
		Health:  client.HealthCheck(ctx),
	})
}
