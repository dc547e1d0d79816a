// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runbeam/dispatch/pkg/ledger"
)

// newDLQCommand groups the dead letter queue subcommands.
func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}

	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQGetCommand())
	cmd.AddCommand(newDLQReprocessCommand())
	cmd.AddCommand(newDLQPurgeCommand())

	return cmd
}

// newDLQListCommand lists dead letter entries.
func newDLQListCommand() *cobra.Command {
	var (
		reason string
		name   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := apiClient().DLQList(cmd.Context(), ledger.DLQFilter{
				Reason: reason,
				Name:   name,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DLQ ID\tRUN ID\tNAME\tREASON\tENQUEUED")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					entry.ID, entry.RunID, entry.Spec.Name, entry.Reason,
					entry.EnqueuedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Filter by reason")
	cmd.Flags().StringVar(&name, "name", "", "Filter by handler name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")

	return cmd
}

// newDLQGetCommand fetches one dead letter entry.
func newDLQGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <dlq-id>",
		Short: "Show a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := apiClient().DLQGet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
}

// newDLQReprocessCommand resubmits an entry's spec.
func newDLQReprocessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <dlq-id>",
		Short: "Resubmit a dead letter entry as a fresh run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().DLQReprocess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(run)
			}
			fmt.Printf("new run %s (reprocessed from %s)\n", run.ID, args[0])
			return nil
		},
	}
}

// newDLQPurgeCommand deletes old entries.
func newDLQPurgeCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			before := time.Now()
			if olderThan > 0 {
				before = before.Add(-olderThan)
			}
			purged, err := apiClient().DLQPurge(cmd.Context(), before)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d entries\n", purged)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only purge entries older than this (default: all)")

	return cmd
}
