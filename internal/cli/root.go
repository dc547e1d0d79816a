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

// Package cli implements the dispatch command-line interface. All
// commands talk to a running dispatchd over its HTTP API.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runbeam/dispatch/internal/client"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// flags shared by all commands.
var (
	flagAddr string
	flagJSON bool
)

// apiClient builds a client from the global flags.
func apiClient() *client.Client {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("DISPATCH_ADDR")
	}
	if addr == "" {
		addr = client.DefaultBaseURL
	}
	return client.New(client.WithBaseURL(addr))
}

// printJSON writes a value as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewRootCommand creates the root Cobra command for dispatch.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch - unified work execution",
		Long: `Dispatch submits, inspects, and manages units of work running on a
dispatchd daemon: one-shot tasks, named pipelines, and multi-step
workflows, all tracked through a durable execution ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "Daemon address (default: http://127.0.0.1:8412 or DISPATCH_ADDR)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newEventsCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newRetryCommand())
	cmd.AddCommand(newWaitCommand())
	cmd.AddCommand(newDLQCommand())
	cmd.AddCommand(newCapabilitiesCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// newVersionCommand reports client and daemon versions.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("dispatch %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// newCapabilitiesCommand lists handlers registered on the daemon.
func newCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List registered handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := apiClient().Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(caps)
			}
			for _, ns := range []string{"tasks", "pipelines"} {
				fmt.Printf("%s:\n", ns)
				for _, name := range caps[ns] {
					fmt.Printf("  %s\n", name)
				}
			}
			return nil
		},
	}
}
