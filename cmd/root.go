// Package cmd implements the CLI described in the external interfaces:
// `spawn <bot_id>` starts one bot instance, `doctor` checks a bot's
// environment, `migrate` provisions its SQLite store. Structured the way
// the teacher's cmd/root.go lays out a cobra root command plus
// subcommands, trimmed to this system's three commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/aldermoor/reedbot/cmd.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "reedbot",
	Short: "reedbot — multi-tenant chat bot core",
	Long:  "reedbot drives conversational agents on a chat platform: message intake and storage, context assembly, a reactive tool-use loop, and an hourly agentic loop for follow-ups and proactive engagement.",
}

func init() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(spawnCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reedbot %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
