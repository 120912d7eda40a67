// Package cmd implements the sessiond command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/sessiond/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.v, o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "Session store and access control service for agent conversations",
		Long:          "sessiond keeps conversation sessions, their message logs and access grants in a shared backend and expires them on a schedule.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = opts.v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newSweepCmd(opts),
	)

	return rootCmd
}
