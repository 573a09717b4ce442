// Command postpilot is the operator CLI for a running postpilot control
// plane. Every subcommand except mcp talks to the HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	addrFlag   string
	secretFlag string
	noColor    bool
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "postpilot",
	Short: "Operate the postpilot social posting control plane",
	Long: `postpilot inspects and steers a running control plane: post stock,
trigger chains, sessions, the failed queue, the orchestrator and the
ReAct scheduler.

The server address defaults to POSTPILOT_ADDR or the configured port on
localhost. The cron secret defaults to CRON_SECRET.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&secretFlag, "secret", "", "cron secret sent as a bearer token")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(statusCmd, eventsCmd, emitCmd, stockCmd, chainCmd, sessionCmd,
		queueCmd, reactCmd, orchestrateCmd, learnCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
