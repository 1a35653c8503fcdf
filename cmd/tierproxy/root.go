package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tierproxy/internal/app"
	"tierproxy/internal/shared/config"
	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/types"
	"tierproxy/proxypool/storage"
)

var (
	cfgFile string        // Path to the ini config file (optional)
	cfg     *types.Config // Loaded configuration shared by all subcommands
)

// rootCmd defines the main CLI command
var rootCmd = &cobra.Command{
	Use:   "tierproxy",
	Short: "tierproxy collects public proxies, verifies them and ranks them by latency",
	Example: `
  tierproxy serve --config configs/tierproxy.ini
  tierproxy cycle --log-level debug
  DATABASE_URL=postgres://localhost/tierproxy tierproxy migrate`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.LogConf.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("port") {
			cfg.WebConf.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("database-url") {
			cfg.DatabaseConf.URL, _ = flags.GetString("database-url")
		}
		if flags.Changed("data-dir") {
			cfg.DatabaseConf.DataDir, _ = flags.GetString("data-dir")
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}

		return logger.Init(cfg.LogConf)
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline on a timer and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single acquisition cycle and print its report as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := app.OpenStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		sm, err := app.NewSettingsManager(cfg)
		if err != nil {
			return err
		}
		m, err := app.NewManager(cfg, store, sm)
		if err != nil {
			return err
		}

		report, _ := m.RunCycle(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Error != "" {
			return errors.New(report.Error)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseConf.URL == "" {
			return errors.New("migrate requires a database URL (DATABASE_URL, --database-url or [database] url)")
		}
		ctx := cmd.Context()
		pg, err := storage.NewPostgresStorage(ctx, cfg.DatabaseConf.URL, 1)
		if err != nil {
			return err
		}
		defer pg.Close()

		applied, err := pg.Migrate(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d migration(s)\n", applied)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tierproxy",
	Run: func(cmd *cobra.Command, args []string) {
		if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
			fmt.Printf("Version: %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
			return
		}
		fmt.Printf("tierproxy version: %s\n", version)
	},
}

// init sets up flags and registers subcommands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to the ini config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL URL; file storage is used when empty")
	rootCmd.PersistentFlags().String("data-dir", "data", "Directory for file storage and settings.json")

	serveCmd.Flags().IntP("port", "p", 8000, "HTTP API port, 0 disables the API")
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(serveCmd, cycleCmd, migrateCmd, versionCmd)
}
