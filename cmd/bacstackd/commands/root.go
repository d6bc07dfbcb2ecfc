// Package commands implements the bacstackd CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bacstackd",
	Short: "A BACnet/IP device daemon",
	Long: `bacstackd exercises the bacstack protocol stack as a standalone BACnet
device over BACnet/IP: it answers Who-Is with I-Am, serves ReadProperty/
ReadPropertyMultiple/WriteProperty against a Device object, and records the
addresses of peers that send I-Am or I-Have. It sends no unsolicited I-Am
or Who-Is.

It is a demonstration of the library, not part of its contract.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/bacstack/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print bacstackd's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("bacstackd %s (commit %s)\n", Version, Commit)
		return nil
	},
}
