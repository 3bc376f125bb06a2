package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"CoralRush/sdk/go/coralrush"
)

func newSessionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and finalize sessions",
	}
	cmd.AddCommand(newSessionCreateCmd(opts))
	cmd.AddCommand(newSessionGetCmd(opts))
	cmd.AddCommand(newSessionListCmd(opts))
	cmd.AddCommand(newSessionFinalizeCmd(opts))
	return cmd
}

func newSessionCreateCmd(opts *globalOptions) *cobra.Command {
	var meta coralrush.SessionMetadata
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an empty session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			sess, err := client.CreateSession(ctx, meta)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.human(out) {
				fmt.Fprintln(out, sess.ID)
				return nil
			}
			return printJSON(out, sess)
		},
	}
	cmd.Flags().StringVar(&meta.SessionType, "type", "", "session type (voice, text, support)")
	cmd.Flags().StringVar(&meta.UserQuery, "query", "", "initial user query")
	return cmd
}

func newSessionGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a session with its aggregated summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			detail, err := client.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.human(out) {
				printSession(out, detail)
				return nil
			}
			return printJSON(out, detail)
		},
	}
}

func newSessionListCmd(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			list, err := client.ListSessions(ctx, limit, statuses...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.human(out) {
				return printJSON(out, list)
			}
			for _, s := range list {
				fmt.Fprintf(out, "%s  %-9s  %s  steps=%d\n", s.ID, s.Status, s.StartTime.Format("2006-01-02 15:04:05"), len(s.Messages))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (active, completed, failed)")
	return cmd
}

func newSessionFinalizeCmd(opts *globalOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Close a session; closing an already closed session is a no-op",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			final, err := client.FinalizeSession(ctx, args[0], status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.human(out) {
				fmt.Fprintf(out, "Session %s is %s\n", args[0], final)
				return nil
			}
			return printJSON(out, map[string]string{"session_id": args[0], "status": final})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "terminal status (completed or failed)")
	return cmd
}
