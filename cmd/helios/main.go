package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped by the build via -ldflags "-X main.Version=...".
var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "helios",
		Short: "Helios - multi-provider LLM inference kernel",
		Long:  "Helios routes inference requests through a phased pipeline onto local and remote model providers with warm pooling, fallback and per-tenant protection.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file (HELIOS_* env vars override)")

	rootCmd.AddCommand(
		daemonCmd(),
		modelsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("helios %s %s/%s %s\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
