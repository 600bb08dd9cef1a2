// Command skipper installs, upgrades, rolls back and deletes releases of
// multi-application packages on configured platforms.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logOutput  io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:           "skipper",
	Short:         "Release orchestrator for multi-application packages",
	Long:          "skipper deploys versioned packages of applications as named releases, upgrading them with a red/black strategy and keeping every version's history.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "skipper.yaml",
		"configuration file; defaults apply when it does not exist")

	installCmd.Flags().StringVar(&installFlags.pkg, "package", "", "package name")
	installCmd.Flags().StringVar(&installFlags.version, "version", "", "package version")
	installCmd.Flags().StringVar(&installFlags.platform, "platform", "default", "target platform")
	installCmd.Flags().StringToStringVar(&installFlags.config, "set", nil, "package configuration values (key=value)")
	_ = installCmd.MarkFlagRequired("package")
	_ = installCmd.MarkFlagRequired("version")

	upgradeCmd.Flags().StringVar(&upgradeFlags.pkg, "package", "", "package name; defaults to the deployed one")
	upgradeCmd.Flags().StringVar(&upgradeFlags.version, "version", "", "package version")
	upgradeCmd.Flags().StringToStringVar(&upgradeFlags.config, "set", nil, "package configuration values (key=value); defaults to the deployed ones")
	_ = upgradeCmd.MarkFlagRequired("version")

	rollbackCmd.Flags().IntVar(&rollbackVersion, "version", 0, "version to roll back to; 0 picks the previous one")
	statusCmd.Flags().IntVar(&statusVersion, "version", 0, "release version; 0 shows the latest")

	configCmd.AddCommand(configDefaultCmd)
	rootCmd.AddCommand(installCmd, upgradeCmd, rollbackCmd, deleteCmd, statusCmd, historyCmd, serveCmd, configCmd)
}
