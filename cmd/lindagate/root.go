package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teilomillet/lindagate/config"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lindagate",
	Short: "lindagate - HTTP gateway for the Linda learning assistant",
	Long: `lindagate relays the Linda front end to its language model, translation,
speech and automation providers. Every request is normalized and checked
against the safety rule table before it is forwarded, and every answer is
checked again before it is returned.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults only when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the config file, or the defaults with their
// placeholders resolved when no file is given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Load(strings.NewReader(""))
	}
	return config.LoadFile(cfgFile)
}
