// Command raffled runs the raffle service layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFiles   []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "raffled",
		Short:         "Autonomous raffle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		statusCommand(),
		networksCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "raffled:", err)
		os.Exit(1)
	}
}
