package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the agentgate application
var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Authentication and session gateway for MCP servers",
	Long: `agentgate puts an MCP (Model Context Protocol) server behind OAuth 2.0
authentication: clients log in with an upstream identity provider, and every
request is validated against a live user session before it reaches a tool.

It manages the full token lifecycle (exchange, proactive refresh, revocation)
and tracks each connected client through a session state machine.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "agentgate version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
}
