// tripsync keeps trip schedules in sync with the generation backend.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	userFlag    string
	inputFlag   string
	variantFlag string
	descFlag    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tripsync",
	Short: "Real-time trip schedule sync",
	Long: `tripsync relays generation sessions between browsers and the trip
generation backend and keeps a cache of each user's schedule.

Environment:
  TRIPSYNC_CONFIG_PATH     YAML config file
  TRIPSYNC_BACKEND_URL     Generation backend base URL
  TRIPSYNC_CACHE_BACKEND   memory, redis or sqlite
  TRIPSYNC_LOG_LEVEL       debug, info, warn or error
  TRIPSYNC_LOG_PATH        Log file (size capped)`,
	SilenceUsage: true,
}

func init() {
	for _, cmd := range []*cobra.Command{generateCmd, stateCmd, resetCmd, issueKeyCmd} {
		cmd.Flags().StringVarP(&userFlag, "user", "u", "", "user id")
		_ = cmd.MarkFlagRequired("user")
	}
	generateCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "chat message (chat variant)")
	generateCmd.Flags().StringVar(&variantFlag, "variant", "schedule", "schedule or chat")
	issueKeyCmd.Flags().StringVar(&descFlag, "description", "", "what the key is for")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(issueKeyCmd)
}
