// Command blelink talks to Bluetooth Low Energy peripherals through the
// correlation engine, which pairs every radio callback with the request that
// caused it. Each subcommand is one request/response exchange, except bridge,
// which keeps devices connected and forwards their notifications to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion prefixes release versions with 'v'
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "blelink",
	Short: "Request/response access to Bluetooth Low Energy peripherals",
	Long: `blelink turns the callback-driven BLE radio into plain requests.

Every command waits for the radio event that answers it and fails with a
typed error when the device disconnects, the adapter is off or the request
times out:

  scan       list advertising devices, optionally filtered by service
  inspect    connect and print the GATT tree with SIG names
  read       read characteristic values
  write      write a value, with or without acknowledgement
  subscribe  stream notifications until interrupted
  bridge     publish notifications to MQTT and serve Prometheus metrics

Defaults for timeouts, the listener buffer, MQTT and metrics come from an
optional YAML file passed with --config.`,
	Version:       formatVersion(version),
	SilenceErrors: true,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	fmt.Fprintf(stderr, "ERROR: %s\n", FormatUserError(err))
	return 1
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blelink {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd, inspectCmd, readCmd, writeCmd, subscribeCmd, bridgeCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
