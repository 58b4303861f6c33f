package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"esp-clock/internal/settings"
	"esp-clock/internal/store"
	"esp-clock/internal/system"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath string
	cfg     *Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "esp-clock",
	Short:         "Wi-Fi provisioning, time sync and control for the time circuit clock",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		// Temporary logger for config loading errors.
		bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		var err error
		cfg, err = loadConfig(cfgPath)
		if err != nil {
			bootLogger.Error("load config", "err", err)
			return err
		}
		if err := cfg.validate(); err != nil {
			bootLogger.Error("invalid config", "err", err)
			return err
		}
		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the clock (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, logger)
	},
}

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "Erase stored settings and Wi-Fi credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		kv, err := db.Namespace(settingsBucket)
		if err != nil {
			return err
		}
		prefs := settings.New(kv, nil, logger.With("component", "settings"))
		prefs.Load()
		if err := prefs.FactoryReset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "settings erased")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd, factoryResetCmd, versionCmd)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, system.ErrRestart):
		os.Exit(system.RestartExitCode)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
