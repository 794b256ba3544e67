// Package main is the aviary dashboard binary.
//
// Usage:
//
//	aviary serve [-c aviary.yaml]    # run the dashboard
//	aviary validate [-c aviary.yaml] # check configuration
//	aviary version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "aviary",
	Short: "Live dashboard for the aviary controller",
	Long: `aviary bridges the aviary controller's MQTT telemetry to a live web
dashboard, keeps a history of complete sensor readings, and relays fan and
window commands back to the device.

Configuration comes from an optional YAML file (-c) overridden by
environment variables such as MQTT_HOST, TOPIC_PREFIX, HTTP_PORT and
ARCHIVE_BACKEND.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aviary %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
