package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
)

var (
	syncMode    string
	syncRecord  string
	syncForce   bool
	syncTimeout time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the document store",
	Long: `Upload queued scripts, download the technician's remote scripts and
resolve conflicts.

Without --mode the network is checked first and the sync is refused when
offline. With --mode the pass runs unconditionally.`,
	Example: `  fieldscript sync                      # full sync after a connectivity check
  fieldscript sync --mode incremental   # only documents changed since the last sync
  fieldscript sync --mode essential     # uploads only
  fieldscript sync --record 01J2...     # upload one script
  fieldscript sync --record 01J2... --force`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", "", "full, incremental or essential")
	syncCmd.Flags().StringVar(&syncRecord, "record", "", "upload a single script")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "with --record: retry a failed or conflicted script, keeping the local copy")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "give up after this long")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return errors.New("no document store configured: set FIELDSCRIPT_REMOTE_URL or --remote-url")
	}
	if syncForce && syncRecord == "" {
		return errors.New("--force requires --record")
	}

	client, closeFn, err := openClientWith(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	if syncRecord != "" {
		return syncOne(ctx, cmd, client)
	}

	mode := fieldscript.SyncMode(syncMode)
	if syncMode != "" && !mode.IsValid() {
		return fmt.Errorf("invalid mode %q", syncMode)
	}

	var result fieldscript.SyncResult
	err = runWithSpinner(cmd.ErrOrStderr(), "Synchronizing", func(spin *spinner) error {
		progress := client.ProgressChanges(ctx)
		go func() {
			for p := range progress {
				if p.Phase != "" {
					spin.SetMessage(fmt.Sprintf("Synchronizing: %s %d/%d", p.Phase, p.Current, p.Total))
				}
			}
		}()

		var err error
		if syncMode == "" {
			result, err = client.SyncNow(ctx)
		} else {
			result, err = client.Sync(ctx, mode)
		}
		return err
	})
	switch {
	case errors.Is(err, fieldscript.ErrUnauthenticated):
		return fmt.Errorf("not signed in: run 'fieldscript login' first")
	case errors.Is(err, fieldscript.ErrNoConnection):
		return fmt.Errorf("offline: scripts stay queued until the network is back (%w)", err)
	case err != nil:
		return err
	}
	return outputSyncResult(cmd, result)
}

func syncOne(ctx context.Context, cmd *cobra.Command, client *fieldscript.Client) error {
	id, err := resolveID(ctx, client, syncRecord)
	if err != nil {
		return err
	}

	err = runWithSpinner(cmd.ErrOrStderr(), "Uploading "+shortID(id), func(*spinner) error {
		if syncForce {
			return client.ForceSyncRecord(ctx, id)
		}
		return client.SyncRecord(ctx, id)
	})
	if err != nil {
		return err
	}

	rec, err := client.Get(ctx, id)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	printSuccess(cmd.OutOrStdout(), "%s is %s (remote %s)", rec.LocalID, rec.SyncStatus, rec.RemoteID)
	return nil
}
