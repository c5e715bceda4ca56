package main

import (
	"os"

	"github.com/spf13/cobra"

	"portalbridge/internal/config"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "portalbridge",
	Short:         "Moves records from the clinic portal to the insurer portals",
	Long:          "Extracts records from the source web portal, validates them and submits them to the target portals, as resumable batch runs.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
