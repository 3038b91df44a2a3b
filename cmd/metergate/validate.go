package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/config"
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the metergate configuration and registry files.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Registry entries and keys are consistent
  - Database is writable (optional)

Examples:
  metergate validate
  metergate validate --config /etc/metergate/config.yaml --check-database`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	entries, keys, err := config.LoadRegistry(cfg.Registry.File)
	if err != nil {
		fmt.Printf("  %s Registry valid\n", crossMark)
		return fmt.Errorf("registry error: %w", err)
	}
	fmt.Printf("  %s Registry valid (%d APIs, %d keys)\n", checkMark, len(entries), len(keys))

	if validateCheckDatabase && cfg.Database.Driver == "sqlite" {
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			return fmt.Errorf("database error: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			fmt.Printf("  %s Database writable\n", crossMark)
			return fmt.Errorf("database migrate error: %w", err)
		}
		db.Close()
		fmt.Printf("  %s Database writable\n", checkMark)
	}

	fmt.Printf("\nConfiguration valid\n")
	fmt.Printf("  Settlement: %s\n", cfg.Settlement.URL)
	fmt.Printf("  Registry:   %s\n", cfg.Registry.File)
	fmt.Printf("  Database:   %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)
	fmt.Printf("  Rate limit: %d per %ds\n", cfg.RateLimit.Limit, cfg.RateLimit.WindowSecs)
	return nil
}
