package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
)

var importStrategy string

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export local scripts as JSON",
	Long: `Write every local script, including deleted and unsynced ones, to a JSON
file. Without a file argument the export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import scripts from a JSON export",
	Long: `Load scripts from a file written by 'fieldscript export'. Use "-" to read
from stdin.

Strategies:
  skip   keep scripts that already exist locally (default)
  newer  replace local scripts whose version is lower`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importStrategy, "strategy", string(fieldscript.ImportSkip), "skip or newer")

	rootCmd.AddCommand(exportCmd, importCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	var w io.Writer = cmd.OutOrStdout()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := client.Export(cmd.Context(), w); err != nil {
		return err
	}
	if len(args) == 1 && args[0] != "-" && !outputJSON {
		printSuccess(cmd.ErrOrStderr(), "Exported to %s", args[0])
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	strategy := fieldscript.ImportStrategy(strings.ToLower(importStrategy))
	if strategy != fieldscript.ImportSkip && strategy != fieldscript.ImportNewer {
		return fmt.Errorf("invalid strategy %q: want skip or newer", importStrategy)
	}

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		r = f
	}

	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := client.Import(cmd.Context(), r, strategy)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Imported %d of %d scripts", result.Created+result.Replaced, result.Total)
	printField(out, "Created", result.Created)
	printField(out, "Replaced", result.Replaced)
	printField(out, "Skipped", result.Skipped)
	for _, e := range result.Errors {
		printWarning(out, "%s", e)
	}
	return nil
}
