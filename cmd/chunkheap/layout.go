package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/QuangTung97/chunkheap/allocator"
	"github.com/QuangTung97/chunkheap/globalheap"
)

var layoutHeapSize int

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Show chunk count and bitmap size for a heap size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := allocator.NewLayout(layoutHeapSize)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(cmd.OutOrStdout(), l)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Heap size:   %s\n", formatBytes(l.HeapSize))
		fmt.Fprintf(out, "Chunk size:  %s\n", formatBytes(allocator.ChunkSize))
		fmt.Fprintf(out, "Chunks:      %s\n", formatCount(l.NumChunks))
		fmt.Fprintf(out, "Bitmap size: %s\n", formatBytes(l.BitmapSize))
		return nil
	},
}

func init() {
	layoutCmd.Flags().IntVar(&layoutHeapSize, "heap-size", globalheap.DefaultHeapSize, "Heap size in bytes")
	rootCmd.AddCommand(layoutCmd)
}
