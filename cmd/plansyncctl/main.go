package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"plansync/internal/client"
	"plansync/internal/merge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	server string
	actor  string
}

func (o *cliOptions) client() *client.Client {
	return client.New(o.server, client.WithActor(o.actor))
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:          "plansyncctl",
		Short:        "Inspect and edit plansync vertical documents",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("PLANSYNC_URL", "http://localhost:8787"), "API base URL")
	root.PersistentFlags().StringVar(&opts.actor, "actor", envOr("PLANSYNC_ACTOR", ""), "Name recorded as the author of saves")

	root.AddCommand(
		newVerticalsCmd(opts),
		newGetCmd(opts),
		newSetCmd(opts),
		newWatchCmd(opts),
		newHistoryCmd(opts),
		newRestoreCmd(opts),
	)
	return root
}

func newVerticalsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verticals",
		Short: "List configured verticals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verticals, err := opts.client().Verticals(cmd.Context())
			if err != nil {
				return err
			}
			for _, v := range verticals {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\ttracks=%s\n", v.Name, strings.Join(v.Tracks, ","))
			}
			return nil
		},
	}
}

func newGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <vertical> [field]",
		Short: "Print a vertical document, or one field of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := opts.client().Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				value, ok := loaded.Document[args[1]]
				if !ok {
					return fmt.Errorf("field %q not in document", args[1])
				}
				return printJSON(cmd.OutOrStdout(), value)
			}
			return printJSON(cmd.OutOrStdout(), loaded.Document)
		},
	}
}

func newSetCmd(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set <vertical> <field> <json>",
		Short: "Replace one field with a JSON value",
		Long: `Replace one field with a JSON value.

The document is loaded first and the save carries its loadedAt, so a field
another editor changed in the meantime is merged by sub-key (objects) or
rejected (arrays and scalars). --force overwrites unconditionally.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vertical, field := args[0], args[1]
			var value any
			if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
				return fmt.Errorf("value is not valid JSON: %w", err)
			}
			if value == nil {
				return fmt.Errorf("null cannot be saved: fields cannot be removed")
			}

			c := opts.client()
			loaded, err := c.Load(cmd.Context(), vertical)
			if err != nil {
				return err
			}
			session := client.NewSession(vertical, c.ClientID(), loaded)
			session.Edit(field, value)
			fields, loadedAt := session.Outgoing()
			if len(fields) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no change")
				return nil
			}
			if force {
				loadedAt = merge.ForceOverwrite
			}

			saved, err := c.Save(cmd.Context(), vertical, fields, loadedAt)
			if err != nil {
				return err
			}
			session.Apply(saved)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "accepted=%s rejected=%s changed=%s\n",
				strings.Join(saved.Accepted, ","), strings.Join(saved.Rejected, ","), strings.Join(saved.Changed, ","))
			if saved.Snapshot != nil {
				fmt.Fprintf(out, "snapshot %s\n", saved.Snapshot.ShortHash)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite regardless of concurrent edits")
	return cmd
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <vertical>",
		Short: "Stream document updates as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().Subscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for event := range events {
				if err := encoder.Encode(map[string]any{
					"id":         event.ID,
					"fields":     event.Fields,
					"actor":      event.Actor,
					"loadedAt":   event.LoadedAt,
					"occurredAt": event.OccurredAt,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <vertical>",
		Short: "List saved snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := opts.client().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					item.ShortHash, item.CreatedAt.Format("2006-01-02 15:04:05"), item.Author, item.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of snapshots")
	return cmd
}

func newRestoreCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <vertical> <ref>",
		Short: "Write a snapshot back over the current document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			restored, err := opts.client().Restore(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s changed=%s\n",
				restored.RestoredFrom.ShortHash, strings.Join(restored.Changed, ","))
			return nil
		},
	}
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
