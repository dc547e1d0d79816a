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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// newSubmitCommand submits a task, pipeline, or workflow.
func newSubmitCommand() *cobra.Command {
	var (
		kind       string
		params     string
		lane       string
		priority   string
		idemKey    string
		maxRetries int
		timeout    int
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit work for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := work.Spec{
				Kind:           work.Kind(kind),
				Name:           args[0],
				Lane:           lane,
				Priority:       work.Priority(priority),
				IdempotencyKey: idemKey,
				MaxRetries:     maxRetries,
				TimeoutSeconds: timeout,
				TriggerSource:  work.TriggerCLI,
			}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &spec.Params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}

			c := apiClient()
			run, err := c.Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}

			if wait {
				run, err = c.Wait(cmd.Context(), run.ID, 10*time.Minute)
				if err != nil {
					return err
				}
			}

			if flagJSON {
				return printJSON(run)
			}
			printRun(run)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "task", "Work kind (task, pipeline, workflow)")
	cmd.Flags().StringVar(&params, "params", "", "Parameters as a JSON object")
	cmd.Flags().StringVar(&lane, "lane", "", "Executor lane")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (realtime, high, normal, low, slow)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Deduplicate submissions with this key")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override the handler's retry budget")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Per-attempt timeout in seconds")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run completes")

	return cmd
}

// newGetCommand fetches one run.
func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(run)
			}
			printRun(run)
			return nil
		},
	}
}

// newListCommand lists runs.
func newListCommand() *cobra.Command {
	var (
		status string
		kind   string
		name   string
		lane   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := apiClient().List(cmd.Context(), ledger.Filter{
				Status: work.Status(status),
				Kind:   work.Kind(kind),
				Name:   name,
				Lane:   lane,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tKIND\tNAME\tSTATUS\tLANE\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Spec.Kind, run.Spec.Name, run.Status,
					run.Spec.EffectiveLane(),
					run.CreatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	cmd.Flags().StringVar(&name, "name", "", "Filter by handler name")
	cmd.Flags().StringVar(&lane, "lane", "", "Filter by lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs")

	return cmd
}

// newEventsCommand prints a run's event log.
func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := apiClient().Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tTYPE\tSOURCE\tDATA")
			for _, ev := range events {
				data := ""
				if len(ev.Data) > 0 {
					raw, _ := json.Marshal(ev.Data)
					data = string(raw)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format(time.RFC3339), ev.Type, ev.Source, data)
			}
			return w.Flush()
		},
	}
}

// newCancelCommand requests cancellation.
func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(run)
			}
			fmt.Printf("run %s: %s\n", run.ID, run.Status)
			return nil
		},
	}
}

// newRetryCommand resubmits a failed or cancelled run.
func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Resubmit a failed or cancelled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(run)
			}
			fmt.Printf("new run %s (retry of %s)\n", run.ID, run.RetryOfRunID)
			return nil
		},
	}
}

// newWaitCommand blocks until a run completes.
func newWaitCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Wait for a run to reach a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Wait(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(run)
			}
			printRun(run)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait")

	return cmd
}

// printRun writes a human-readable run summary.
func printRun(run *work.Run) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Kind:     %s\n", run.Spec.Kind)
	fmt.Printf("Name:     %s\n", run.Spec.Name)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Lane:     %s\n", run.Spec.EffectiveLane())
	fmt.Printf("Attempt:  %d\n", run.Attempt)
	fmt.Printf("Created:  %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	if d := run.Duration(); d > 0 {
		fmt.Printf("Duration: %s\n", d)
	}
	if run.Error != "" {
		fmt.Printf("Error:    [%s] %s\n", run.ErrorCategory, run.Error)
	}
	if run.Result != nil {
		raw, err := json.MarshalIndent(run.Result, "", "  ")
		if err == nil {
			fmt.Printf("Result:\n%s\n", raw)
		}
	}
}
