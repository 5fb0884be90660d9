package main

import (
	"github.com/spf13/cobra"

	"alertrelay/internal/config"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "alertrelay",
		Short:         "Relay service alerts to Telegram chats",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv(f.envFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCmd(f), newSendTestCmd(f), newProbeCmd(f))
	return cmd
}
