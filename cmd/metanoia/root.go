package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	envFiles []string
	logLevel string
	noColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "metanoia",
	Short: "Projeto Metanoia identity and admin tooling",
	Long: `metanoia signs users in against the hosted identity service, keeps their
profile records in sync and serves the admin dashboard.

Configuration is read from METANOIA_* environment variables, optionally
loaded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			pterm.DisableStyling()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override METANOIA_LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(migrateCmd)
}
