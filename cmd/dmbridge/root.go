package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/dmbridge/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "dmbridge",
		Short:         "Bridge social direct messages to an AI agent",
		Long:          "dmbridge connects Instagram and WhatsApp accounts, polls their direct messages and answers them through a configured agent runtime.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the TOML config file (default $CONFIG_PATH or config.toml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
