package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
)

var resolveKeep string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List scripts waiting for conflict review",
	Long: `List scripts whose local and remote copies diverged and could not be
merged automatically. Resolve them with 'fieldscript resolve'.`,
	Args: cobra.NoArgs,
	RunE: runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflicted script",
	Long: `Resolve a conflicted script by keeping the local copy, the remote copy, or
a field-by-field merge of both, then upload the result.`,
	Example: `  fieldscript resolve 01J2ABCD --keep local
  fieldscript resolve 01J2ABCD --keep merge`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "local, remote or merge")
	_ = resolveCmd.MarkFlagRequired("keep")

	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	records, err := client.Conflicts(cmd.Context())
	if err != nil {
		return err
	}
	return outputRecordList(cmd, records, "No conflicts.")
}

func runResolve(cmd *cobra.Command, args []string) error {
	strategy, err := fieldscript.ParseResolutionStrategy(resolveKeep)
	if err != nil {
		return err
	}
	if strategy == fieldscript.ResolveManual {
		return fmt.Errorf("--keep must be local, remote or merge")
	}

	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	id, err := resolveID(ctx, client, args[0])
	if err != nil {
		return err
	}
	if err := client.ResolveConflict(ctx, id, strategy); err != nil {
		return err
	}

	rec, err := client.Get(ctx, id)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	printSuccess(cmd.OutOrStdout(), "Resolved %s (%s): now version %d, %s", rec.LocalID, strategy, rec.Version, rec.SyncStatus)
	return nil
}
