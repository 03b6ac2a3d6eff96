package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldscript"
)

var (
	recordTemplate string
	recordName     string
	recordContent  string
	recordFields   []string

	editTemplate string
	editName     string
	editContent  string
	editFields   []string

	listStatus         string
	listAll            bool
	listIncludeDeleted bool
	listLimit          int
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Save a new script",
	Long: `Save a new script in the local database. It is queued for upload and
synchronizes with the next 'sync' or through the daemon.

Fields are given as key=value for text, or key:=<json> for numbers, booleans
and null.`,
	Example: `  fieldscript create --template SPLITTER_REPORT --name SP-12 \
      --field zone=Nord --field ports_used:=6 --field tested:=true`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a script",
	Long: `Change the name, content or fields of a script. Only the given flags are
applied. Each --field sets one key; the other fields are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a script",
	Long:  `Soft-delete a script. The deletion synchronizes like any other edit.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one script",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List scripts",
	Long:  `List the signed-in technician's scripts, most recently updated first.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	createCmd.Flags().StringVarP(&recordTemplate, "template", "t", string(fieldscript.TemplateFreeform), "script template")
	createCmd.Flags().StringVarP(&recordName, "name", "n", "", "display name (default: template title)")
	createCmd.Flags().StringVarP(&recordContent, "content", "c", "", "display text (default: rendered from fields)")
	createCmd.Flags().StringArrayVarP(&recordFields, "field", "f", nil, "field as key=value or key:=json (repeatable)")

	editCmd.Flags().StringVarP(&editTemplate, "template", "t", "", "new template")
	editCmd.Flags().StringVarP(&editName, "name", "n", "", "new display name")
	editCmd.Flags().StringVarP(&editContent, "content", "c", "", "new display text")
	editCmd.Flags().StringArrayVarP(&editFields, "field", "f", nil, "set a field as key=value or key:=json (repeatable)")

	listCmd.Flags().StringVar(&listStatus, "status", "", "only scripts with this sync status")
	listCmd.Flags().BoolVar(&listAll, "all-owners", false, "include every owner and anonymous scripts")
	listCmd.Flags().BoolVar(&listIncludeDeleted, "deleted", false, "include deleted scripts")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of scripts")

	rootCmd.AddCommand(createCmd, editCmd, deleteCmd, showCmd, listCmd)
}

// parseField parses key=value (text) or key:=json (typed).
func parseField(s string) (string, fieldscript.Value, error) {
	if k, raw, ok := strings.Cut(s, ":="); ok && k != "" && !strings.Contains(k, "=") {
		var v fieldscript.Value
		if err := v.UnmarshalJSON([]byte(raw)); err != nil {
			return "", v, fmt.Errorf("field %q: %w", k, err)
		}
		return k, v, nil
	}
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", fieldscript.Value{}, fmt.Errorf("field %q: expected key=value or key:=json", s)
	}
	return k, fieldscript.StringValue(v), nil
}

func applyFields(dst *fieldscript.Fields, args []string) error {
	for _, arg := range args {
		k, v, err := parseField(arg)
		if err != nil {
			return err
		}
		dst.Set(k, v)
	}
	return nil
}

// resolveID accepts a full local ID or a unique prefix of one.
func resolveID(ctx context.Context, client *fieldscript.Client, id string) (string, error) {
	if _, err := client.Get(ctx, id); err == nil {
		return id, nil
	} else if !errors.Is(err, fieldscript.ErrNotFound) {
		return "", err
	}

	all, err := client.List(ctx, fieldscript.ListFilter{IncludeDeleted: true})
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range all {
		if strings.HasPrefix(r.LocalID, strings.ToUpper(id)) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", id)
			}
			match = r.LocalID
		}
	}
	if match == "" {
		return "", fmt.Errorf("script %s: %w", id, fieldscript.ErrNotFound)
	}
	return match, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	fields := fieldscript.NewFields()
	if err := applyFields(fields, recordFields); err != nil {
		return err
	}

	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := client.CreateRecord(cmd.Context(), fieldscript.CreateParams{
		Template: fieldscript.Template(strings.ToUpper(recordTemplate)),
		Name:     recordName,
		Content:  recordContent,
		Fields:   fields,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	printSuccess(cmd.OutOrStdout(), "Saved %s (%s)", rec.LocalID, rec.Payload.Name)
	if client.Owner() == "" {
		printMuted(cmd.OutOrStdout(), "not signed in: the script uploads after 'fieldscript login'")
	}
	return nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	id, err := resolveID(ctx, client, args[0])
	if err != nil {
		return err
	}

	var params fieldscript.UpdateParams
	flags := cmd.Flags()
	if flags.Changed("template") {
		tpl := fieldscript.Template(strings.ToUpper(editTemplate))
		params.Template = &tpl
	}
	if flags.Changed("name") {
		params.Name = &editName
	}
	if flags.Changed("content") {
		params.Content = &editContent
	}
	if len(editFields) > 0 {
		current, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		fields := current.Payload.Fields.Clone()
		if fields == nil {
			fields = fieldscript.NewFields()
		}
		if err := applyFields(fields, editFields); err != nil {
			return err
		}
		params.Fields = fields
	}
	if params == (fieldscript.UpdateParams{}) {
		return errors.New("nothing to change: pass --name, --content, --template or --field")
	}

	rec, err := client.UpdateRecord(ctx, id, params)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	printSuccess(cmd.OutOrStdout(), "Updated %s to version %d", rec.LocalID, rec.Version)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := resolveID(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}
	if err := client.DeleteRecord(cmd.Context(), id); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"local_id": id, "deleted": true})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted %s", id)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := resolveID(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}
	rec, err := client.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return outputRecord(cmd, rec)
}

func runList(cmd *cobra.Command, args []string) error {
	filter := fieldscript.ListFilter{IncludeDeleted: listIncludeDeleted, Limit: listLimit}
	if listStatus != "" {
		filter.Status = fieldscript.SyncStatus(strings.ToUpper(listStatus))
		if !filter.Status.IsValid() {
			return fmt.Errorf("invalid status %q", listStatus)
		}
	}

	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()

	if !listAll {
		owner := client.Owner()
		filter.OwnerID = &owner
	}

	records, err := client.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return outputRecordList(cmd, records, "No scripts.")
}
