package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to w with any bearer token removed.
func outputError(w io.Writer, err error) {
	printError(w, "%s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData redacts the configured token from msg. The library
// never puts tokens in errors; this covers wrapped third-party messages.
func scrubSensitiveData(msg string) string {
	for _, secret := range []string{cfgToken, os.Getenv("FIELDSCRIPT_TOKEN")} {
		if secret != "" && strings.Contains(msg, secret) {
			msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
		}
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

// outputRecord prints one record in full.
func outputRecord(cmd *cobra.Command, r *fieldscript.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	printField(out, "ID", r.LocalID)
	if r.RemoteID != "" {
		printField(out, "Remote ID", r.RemoteID)
	}
	printField(out, "Template", r.Payload.Template)
	printField(out, "Name", r.Payload.Name)
	printField(out, "Status", statusBadge(r.SyncStatus))
	printField(out, "Version", r.Version)
	printField(out, "Updated", r.UpdatedAt.Local().Format(time.DateTime))
	if r.LastSyncAt != nil {
		printField(out, "Last synced", r.LastSyncAt.Local().Format(time.DateTime))
	}
	if r.OwnerID == "" {
		printMuted(out, "not yet owned; uploads after login")
	}
	if r.IsDeleted {
		printWarning(out, "deleted")
	}
	if !r.Payload.Fields.IsEmpty() {
		fmt.Fprintln(out)
		r.Payload.Fields.Each(func(key string, v fieldscript.Value) {
			fmt.Fprintf(out, "  %s = %s\n", key, v)
		})
	}
	if r.Payload.Content != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, r.Payload.Content)
	}
	return nil
}

// outputRecordList prints records one per line.
func outputRecordList(cmd *cobra.Command, records []fieldscript.Record, empty string) error {
	if outputJSON {
		if records == nil {
			records = []fieldscript.Record{}
		}
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, empty)
		return nil
	}
	for _, r := range records {
		name := r.Payload.Name
		if r.IsDeleted {
			name += " (deleted)"
		}
		fmt.Fprintf(out, "%s  %-20s  %-8s v%-3d %s\n",
			shortID(r.LocalID), r.Payload.Template, statusBadge(r.SyncStatus), r.Version, name)
	}
	return nil
}

type syncResultJSON struct {
	fieldscript.SyncResult
	DurationMs int64 `json:"duration_ms"`
}

// outputSyncResult prints the counters of a finished pass.
func outputSyncResult(cmd *cobra.Command, result fieldscript.SyncResult) error {
	if outputJSON {
		return outputAsJSON(cmd, syncResultJSON{SyncResult: result, DurationMs: result.Duration.Milliseconds()})
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Sync complete (%s, took %s)", result.Mode, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  uploaded %d, downloaded %d, conflicts resolved %d\n",
		result.Uploaded, result.Downloaded, result.ConflictsResolved)
	if result.Failed > 0 {
		printWarning(out, "%d records failed; they stay queued for the next sync", result.Failed)
	}
	return nil
}

// statusReport is the JSON shape of `fieldscript status`.
type statusReport struct {
	Owner   string                   `json:"owner"`
	Profile string                   `json:"profile"`
	Remote  string                   `json:"remote_url,omitempty"`
	Sync    fieldscript.SyncState    `json:"sync"`
	Pending int                      `json:"pending"`
	Stats   *fieldscript.StoreStats  `json:"stats"`
	Health  fieldscript.HealthStatus `json:"health"`
}

func outputStatus(cmd *cobra.Command, r statusReport) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	owner := r.Owner
	if owner == "" {
		owner = "(signed out)"
	}
	remote := r.Remote
	if remote == "" {
		remote = "(offline mode)"
	}
	printField(out, "Owner", owner)
	printField(out, "Profile", r.Profile)
	printField(out, "Remote", remote)
	printField(out, "Records", r.Stats.RecordCount)
	printField(out, "Pending", r.Pending)
	printField(out, "Conflicts", r.Stats.ConflictCount)
	printField(out, "Failed", r.Stats.ErrorCount)
	printField(out, "Deleted", r.Stats.DeletedCount)
	if r.Stats.LastSync.IsZero() {
		printField(out, "Last sync", "never")
	} else {
		printField(out, "Last sync", r.Stats.LastSync.Local().Format(time.DateTime))
	}
	printField(out, "Network", fmt.Sprintf("%s (%s)", r.Health.Network.Type, r.Health.Network.Signal))

	switch {
	case !r.Health.StoreOK:
		printError(out, "local store: %s", r.Health.Error)
	case r.Remote != "" && !r.Health.RemoteReachable:
		printWarning(out, "document store unreachable: %s", scrubSensitiveData(r.Health.Error))
	case r.Remote != "":
		printSuccess(out, "document store reachable")
	}
	if r.Stats.ConflictCount > 0 {
		printInfo(out, "run 'fieldscript conflicts' to review %d conflicts", r.Stats.ConflictCount)
	}
	return nil
}
