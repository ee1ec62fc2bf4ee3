package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/lattice/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "lattice",
		Short:         "Lattice collaborative editing server",
		Long:          "lattice hosts collaborative document rooms over websockets, persists room state and lets any participant stop collaboration on a room.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to a config file (default ./lattice.toml)")

	rootCmd.AddCommand(
		newServeCmd(v),
		newConfigCmd(v),
	)
	return rootCmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := config.Load(v, path); err != nil {
				return err
			}
			out, err := config.Dump(v)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
