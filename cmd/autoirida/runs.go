package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autoirida/internal/state"
)

const maxDetailColumn = 60

func newRunsCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage upload records",
	}
	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsForgetCommand(opts))
	return cmd
}

func newRunsListCommand(opts *cliOptions) *cobra.Command {
	var (
		statuses []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upload records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]state.Status, 0, len(statuses))
			for _, raw := range statuses {
				st := state.Status(strings.TrimSpace(raw))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q (want new, in_progress, uploaded or failed)", raw)
				}
				filter = append(filter, st)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			recs, err := store.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if recs == nil {
					recs = []*state.Record{}
				}
				return writeJSON(out, recs)
			}
			if len(recs) == 0 {
				_, err := fmt.Fprintln(out, "No upload records.")
				return err
			}

			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, []string{
					rec.RunID,
					describeStatus(store, rec),
					strconv.Itoa(rec.AttemptCount),
					formatWhen(rec.LastAttemptAt),
					shorten(deref(rec.ErrorDetail), maxDetailColumn),
				})
			}
			_, err = fmt.Fprintln(out, renderTable(
				[]string{"Run", "Status", "Attempts", "Last attempt", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show records with this status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newRunsShowCommand(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one upload record and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			runID := args[0]
			rec, err := store.Get(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("run %s: %w", runID, state.ErrRecordNotFound)
			}
			attempts, err := store.Attempts(cmd.Context(), runID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if attempts == nil {
					attempts = []state.Attempt{}
				}
				return writeJSON(out, map[string]any{"record": rec, "attempts": attempts})
			}

			fmt.Fprintf(out, "Run:          %s\n", rec.RunID)
			fmt.Fprintf(out, "Status:       %s\n", describeStatus(store, rec))
			fmt.Fprintf(out, "Attempts:     %d\n", rec.AttemptCount)
			fmt.Fprintf(out, "Last attempt: %s\n", formatWhen(rec.LastAttemptAt))
			fmt.Fprintf(out, "First seen:   %s\n", formatWhen(&rec.CreatedAt))
			if rec.Fingerprint != "" {
				fmt.Fprintf(out, "Fingerprint:  %s\n", rec.Fingerprint)
			}
			if rec.ErrorDetail != nil {
				fmt.Fprintf(out, "Detail:       %s\n", *rec.ErrorDetail)
			}
			if len(attempts) == 0 {
				return nil
			}

			rows := make([][]string, 0, len(attempts))
			for _, a := range attempts {
				rows = append(rows, []string{
					formatWhen(&a.RecordedAt),
					strconv.Itoa(a.Attempt),
					string(a.Status),
					shorten(deref(a.ErrorDetail), maxDetailColumn),
				})
			}
			_, err = fmt.Fprintln(out, "\n"+renderTable(
				[]string{"Recorded", "Attempt", "Status", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
			))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newRunsForgetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <run-id>",
		Short: "Delete a run's upload record so the next tick treats it as new",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			runID := args[0]
			if err := store.Delete(cmd.Context(), runID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Forgot run %s\n", runID)
			return err
		},
	}
}

// describeStatus annotates failed records with whether they will be retried.
func describeStatus(store *state.Store, rec *state.Record) string {
	if rec.Status != state.StatusFailed {
		return string(rec.Status)
	}
	if store.IsTerminal(rec) {
		return "failed (final)"
	}
	return "failed (will retry)"
}

func formatWhen(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
