// Package main is the entry point for the Muster CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
)

var cfg *config.Config

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "muster",
		Short: "Schedule and execute agent work items against your repositories",
		Long: `Muster coordinates autonomous agents over a shared work item queue.
Agents claim work items exclusively, turn LLM responses into database,
file, or Git/GitHub side effects, and reconcile state from repository
webhooks.`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")

	rootCmd.AddCommand(
		initCmd(),
		serveCmd(),
		workCmd(),
		statusCmd(),
		addCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured database, initializing the schema on first use
func openStore() (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}
