// Package main provides the CLI entrypoint for crmsync.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Incremental CRM sync engine",
	Long: `crmsync mirrors contacts, conversations, messages, tasks and
opportunities of CRM locations into postgres, keeps their engagement
fields current and applies install/uninstall webhooks.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, background worker pool and watcher",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var syncCmd = &cobra.Command{
	Use:   "sync <locationId>",
	Short: "Run one foreground sync for a location",
	Long: `Run the full sync sequence for one location and print the run summary.

The location must already exist unless --company is given, in which case it
is created on first sync.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var (
	syncCompany      string
	syncFull         bool
	syncFullMessages bool
)

func init() {
	syncCmd.Flags().StringVar(&syncCompany, "company", "", "company id used to create the location if it does not exist")
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "page every entity until exhausted instead of stopping at the remote count")
	syncCmd.Flags().BoolVar(&syncFullMessages, "full-messages", false, "fetch messages of every conversation, not only changed ones")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
}
