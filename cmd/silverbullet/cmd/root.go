package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "silverbullet",
	Short: "Silverbullet issues short-lived EAP-TLS client certificates",
	Long: `Silverbullet enrolls pseudonymous client certificates for RADIUS/EAP-TLS
network access, tracks them per user and device, and answers OCSP queries
about their revocation status.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the TOML configuration file")
	rootCmd.Version = Version
}
