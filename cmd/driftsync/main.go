package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "driftsync",
	Short:   "DriftSync keeps directory trees in sync",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		defer slog.Info("Bye!")
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("data-dir", "d", config.DefaultDataDir, "data directory for logs and index state")
	rootCmd.Flags().StringP("control", "a", config.DefaultControl, "control API listen address")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")

	rootCmd.AddCommand(statusCmd, initCmd)
}

func bindConfig(cmd *cobra.Command) error {
	if flag := cmd.Flags().Lookup("data-dir"); flag != nil {
		viper.BindPFlag("data_dir", flag)
	}
	if flag := cmd.Flags().Lookup("control"); flag != nil {
		viper.BindPFlag("control_addr", flag)
	}
	if flag := cmd.Flags().Lookup("config"); flag != nil {
		viper.BindPFlag("config", flag)
	}

	viper.SetEnvPrefix("DRIFTSYNC")
	viper.AutomaticEnv()
	return nil
}

func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s, run 'driftsync init' to create one", path)
		}
		return nil, err
	}
	if dir := viper.GetString("data_dir"); dir != "" && dir != config.DefaultDataDir {
		cfg.DataDir = dir
	}
	if addr := viper.GetString("control_addr"); addr != "" && addr != config.DefaultControl {
		cfg.ControlAddr = addr
	}
	return cfg, nil
}

func main() {
	logging.SetupConsole(slog.LevelDebug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
