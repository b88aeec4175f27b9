package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/QuangTung97/chunkheap/internal/logger"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
)

var jsonPretty = jsoniter.Config{
	EscapeHTML:    false,
	SortMapKeys:   true,
	IndentionStep: 2,
}.Froze()

var numbers = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "chunkheap",
	Short: "Inspect and exercise the static chunk heap allocator",
	Long: `chunkheap computes heap layouts, runs randomized allocation workloads
against a fresh chunk allocator, and serves a small HTTP API for poking at a
live heap.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logger.Options{
			Enabled: verbose,
			Output:  cmd.ErrOrStderr(),
			Level:   slog.LevelDebug,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printJSON outputs data as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := jsonPretty.NewEncoder(w)
	return encoder.Encode(v)
}

// formatBytes renders n with thousands separators.
func formatBytes(n int) string {
	return numbers.Sprintf("%d bytes", n)
}

func formatCount(n int) string {
	return numbers.Sprintf("%d", n)
}
