package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "courierq",
	Short: "CourierQ is a resilient message delivery engine",
	Long: `CourierQ accepts email-like delivery requests over HTTP and drives them
through an ordered set of transports with retries, exponential backoff,
per-transport circuit breakers and idempotent submission.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	// A missing .env file is not an error; explicit environment still applies.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
