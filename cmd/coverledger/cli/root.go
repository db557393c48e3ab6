package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X CoverLedger/cmd/coverledger/cli.version=...".
var version = "dev"

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:          "coverledger",
		Short:        "Underwriting capital pool ledger",
		SilenceUsage: true,
	}
)

func Setup() error {
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(VersionCmd())
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (defaults and COVER_* env when empty)")
	return rootCmd.Execute()
}

func GetConfigPath() string {
	return cfgPath
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
