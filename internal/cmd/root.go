// Package cmd implements the deckhand CLI commands.
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "Terminal session daemon for claude-driven projects",
	Long: `deckhand keeps project terminals (claude, server consoles, dev servers,
shells) alive behind one daemon, follows what claude is doing in each of
them, tracks active time per project, and streams session output to
connected clients over WebSocket.

Get started:
  deckhand serve          Run the daemon
  deckhand hook install   Wire the claude CLI's hooks to the daemon
  deckhand ps             List live sessions`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "base URL of the deckhand daemon")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("deckhand version {{.Version}}\n")

	rootCmd.AddCommand(versionCmd)
}

// defaultServerURL resolves the daemon address from the same environment
// the serve command reads its port from, so client commands reach a
// default-config daemon without flags.
func defaultServerURL() string {
	if v := os.Getenv("DECKHAND_URL"); v != "" {
		return v
	}
	port := defaultPort
	if v := os.Getenv("DECKHAND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the deckhand version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deckhand version %s\n", version)
	},
}
