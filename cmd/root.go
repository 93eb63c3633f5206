// Package cmd wires the Cobra CLI for the archiver.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "board-archiver",
	Short: "Continuously archives imageboard threads with content-hash media dedup",
	Long: `board-archiver polls configured imageboard APIs, detects new, changed and
deleted posts between polls, persists the normalized result, and downloads
each attached media file exactly once using content-hash deduplication.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (e.g. ./archiver.yaml)")
}
