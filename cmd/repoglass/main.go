package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "repoglass",
	Short:         "Local companion daemon for the repository analysis dashboard",
	Long:          "repoglass sits between the dashboard and the analysis backend:\nit submits repositories, polls job progress, and keeps a durable local\ncache of analysis results, file contents, and chat history.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(forgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
