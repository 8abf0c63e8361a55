package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of all tasks on a running daemon",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		addr := viper.GetString("control_addr")
		if addr == "" {
			addr = config.DefaultControl
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/v1/status", addr))
		if err != nil {
			return fmt.Errorf("daemon not reachable on %s: %w", addr, err)
		}
		defer resp.Body.Close()

		var body struct {
			Tasks []task.Status `json:"tasks"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		for _, st := range body.Tasks {
			fmt.Printf("%s  %-10s %-8s %s -> %v\n", st.ID, st.Name, st.State, st.Source, st.Targets)
			fmt.Printf("    copied=%d deleted=%d renamed=%d skipped=%d failed=%d transferred=%s\n",
				st.Counters.Copied, st.Counters.Deleted, st.Counters.Renamed,
				st.Counters.Skipped, st.Counters.Failed, st.Bytes)
			if st.Error != "" {
				fmt.Printf("    error: %s\n", st.Error)
			}
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		path := viper.GetString("config")
		if path == "" {
			path = config.DefaultConfigPath
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		home, _ := os.UserHomeDir()
		cfg := &config.Config{
			DataDir:     config.DefaultDataDir,
			ControlAddr: config.DefaultControl,
			Tasks: []config.TaskConfig{{
				Name:        "example",
				SourcePath:  home + "/Documents",
				TargetPaths: []string{home + "/Backups/Documents"},
				AutoStart:   false,
				Policy: config.Policy{
					Mode:             config.OneWay,
					ConflictStrategy: config.NewestWins,
				},
			}},
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s, edit it and run 'driftsync'\n", path)
		return nil
	},
}
