package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
	"github.com/hyperengineering/fieldscript/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run background synchronization",
	Long: `Keep the client open and synchronize in the background: periodically,
when enough edits are queued, when the network comes back and whenever the
signed-in technician changes.

Logs rotate under the profile directory. Stop with Ctrl-C; queued uploads
get one last attempt before exit.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return errors.New("no document store configured: set FIELDSCRIPT_REMOTE_URL or --remote-url")
	}
	cfg.AutoSync = true
	if cfg.DebugLogPath == "" {
		profile, err := store.ResolveProfile(cfg.Profile)
		if err != nil {
			return err
		}
		cfg.DebugLogPath = store.ProfileLogPath(profile)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	client, closeFn, err := openClientWith(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printInfo(out, "Syncing %s as %s (logs: %s)", cfg.RemoteURL, ownerLabel(client.Owner()), cfg.DebugLogPath)
	client.OnForeground()

	states := client.StatusChanges(ctx)
	networks := client.NetworkChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			printMuted(out, "shutting down")
			flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			client.OnBackground(flushCtx)
			cancel()
			return nil
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			reportState(out, client, s)
		case n, ok := <-networks:
			if !ok {
				networks = nil
				continue
			}
			if n.Connected {
				printMuted(out, "network: %s", n.Type)
			} else {
				printWarning(out, "network: offline")
			}
		}
	}
}

func reportState(w io.Writer, client *fieldscript.Client, s fieldscript.SyncState) {
	switch s {
	case fieldscript.SyncRunning:
		printMuted(w, "sync started")
	case fieldscript.SyncFailed:
		printError(w, "sync failed: %v", client.LastError())
	case fieldscript.SyncCancelled:
		printWarning(w, "sync cancelled")
	case fieldscript.SyncIdle:
		printSuccess(w, "idle at %s", time.Now().Format(time.TimeOnly))
	default:
		printMuted(w, "%s", fmt.Sprint(s))
	}
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "nobody (signed out)"
	}
	return owner
}
