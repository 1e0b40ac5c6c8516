package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kartta/types"
	"github.com/yairfalse/kartta/wal"
)

var sessionsOutput string

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		if err := a.engine.ResumeSession(ctx, args[0]); err != nil {
			return err
		}
		return follow(ctx, a, args[0])
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <session-id>",
	Short: "Start a new session over the scope of a failed one",
	Long: `Start a new session over the scope of a failed one. The new
session begins from the failed session's last checkpoint, so units it
already completed are not listed again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		id, err := a.engine.RetrySession(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Retrying %s as %s\n", args[0], id)
		return follow(ctx, a, id)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a paused session",
	Long: `Cancel a session. Sessions are only running inside the process
that drives them, so from the command line this cancels a paused
session. What was already persisted stays in the graph.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.engine.CancelSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s cancelled\n", args[0])
		return nil
	}),
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <session-id>",
	Short: "Show the latest committed checkpoint of a session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(_ context.Context, a *app, args []string) error {
		cp, err := a.engine.GetCheckpoint(args[0])
		if err != nil {
			return err
		}
		if sessionsOutput == "json" {
			return writeJSON(os.Stdout, cp)
		}
		fmt.Printf("Session:    %s\n", cp.SessionID)
		fmt.Printf("Sequence:   %d\n", cp.Sequence)
		fmt.Printf("Created:    %s\n", cp.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Units:      %d completed\n", len(cp.CompletedUnits))
		fmt.Printf("Resources:  %d persisted\n", len(cp.PersistedResources))
		for _, u := range cp.CompletedUnits {
			fmt.Printf("  %s\n", u)
		}
		return nil
	}),
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect discovery sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	Args:  cobra.NoArgs,
	RunE: withApp(func(_ context.Context, a *app, _ []string) error {
		records := a.engine.ListSessions()
		if sessionsOutput == "json" {
			return writeJSON(os.Stdout, records)
		}
		return printSessions(os.Stdout, records)
	}),
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's latest progress",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(_ context.Context, a *app, args []string) error {
		rec, err := a.engine.GetSession(args[0])
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, rec)
	}),
}

var sessionsDanglingCmd = &cobra.Command{
	Use:   "dangling <session-id>",
	Short: "List relationships whose target was never discovered",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(_ context.Context, a *app, args []string) error {
		edges, err := a.engine.GetDangling(args[0])
		if err != nil {
			return err
		}
		if sessionsOutput == "json" {
			return writeJSON(os.Stdout, edges)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "KIND\tSOURCE\tTARGET\tCONFIDENCE")
		for _, e := range edges {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n", e.Kind, e.SourceID, e.TargetID, e.Confidence)
		}
		return w.Flush()
	}),
}

var sessionsAuditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Replay a session's journal",
	Long: `Replay the journal entries of a session: its creation, every state
transition, unit errors, checkpoints and dangling edges, in order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tDATA")
		err := wal.Replay(journalDir(cfg), journalConfig(cfg).FilePrefix, args[0], func(e *wal.Entry) error {
			data := string(e.Data)
			if e.Error != "" {
				data += " error=" + e.Error
			}
			_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, data)
			return err
		})
		if err != nil {
			return err
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd, retryCmd, cancelCmd, checkpointCmd, sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDanglingCmd, sessionsAuditCmd)

	for _, c := range []*cobra.Command{checkpointCmd, sessionsListCmd, sessionsDanglingCmd} {
		c.Flags().StringVarP(&sessionsOutput, "output", "o", "table", "Output format: table, json")
	}
}

// withApp opens the app for a short-lived command.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))
		return fn(ctx, a, args)
	}
}

func printSessions(out io.Writer, records []types.SessionRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tPROVIDER\tSCOPE\tRESOURCES\tEDGES\tFAILED\tUPDATED")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.State,
			r.Scope.Provider,
			r.Scope.Kind,
			r.Progress.ResourcesPersisted,
			r.Progress.RelationshipsPersisted,
			r.Progress.UnitsFailed,
			r.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
