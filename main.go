package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "opschat",
	Short:        "Real-time personnel chat: collaborator server and console client",
	SilenceUsage: true,
}

var flagEnv string

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", "", "override APP_ENV (dev, debug, prod)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
