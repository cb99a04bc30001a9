package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/config"
	"github.com/mahaj/groupsync/pkg/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app is what every subcommand gets after the root command has loaded
// configuration.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

var current = &app{}

var rootCmd = &cobra.Command{
	Use:           "groupsync",
	Short:         "Follow and post to a group challenge chat",
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return current.load(cmd)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if current.log != nil {
			_ = current.log.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "", "config file path (yaml)")
	f.String("env-file", ".env", "dotenv file to load")
	f.String("api", "", "REST API base url")
	f.String("push", "", "push channel websocket url")
	f.String("token", "", "identity token")
	f.String("uid", "", "user id (default: taken from the token)")
	f.StringP("group", "g", "", "group id")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "console or json")
}

func (a *app) load(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(path, envFile)
	if err != nil {
		return err
	}

	override := func(flag string, dst *string) {
		if cmd.Flags().Changed(flag) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	override("api", &cfg.APIURL)
	override("push", &cfg.PushURL)
	override("token", &cfg.Token)
	override("uid", &cfg.UID)
	override("group", &cfg.GroupID)
	override("log-level", &cfg.Log.Level)
	override("log-format", &cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) requireGroup() (string, error) {
	if a.cfg.GroupID == "" {
		return "", fmt.Errorf("no group: pass --group or set GROUPSYNC_GROUP")
	}
	return a.cfg.GroupID, nil
}
