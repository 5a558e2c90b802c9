// Copyright 2026 Rob Marissen.
// SPDX-License-Identifier: MIT

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/524D/mzannotate/internal/mzml"
)

var indexCmd = &cobra.Command{
	Use:   "index [mzML file]",
	Short: "Build the scan index of an mzML file",
	Long: `Build the scan number to byte offset index of an mzML file and store
it in a sidecar cache file, so later runs can skip the full scan of
the file.

Examples:
  # Index a file
  mzannotate index run1.mzML

  # Rebuild an existing index
  mzannotate index --force run1.mzML`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot access input file: %w", err)
	}

	if !forceIndex {
		if idx, err := mzml.LoadIndexCache(path); err == nil {
			fmt.Printf("Index cache is present: %d scans in %s\n", len(idx), mzml.CachePath(path))
			fmt.Println("Use --force to rebuild")
			return nil
		}
	}

	var cfg mzml.Config
	if indexChunkMiB > 0 {
		cfg.ChunkSize = indexChunkMiB * 1024 * 1024
	}
	if !quietIndex {
		cfg.Progress = func(pct float64) {
			fmt.Fprintf(os.Stderr, "\rIndexing %3.0f%%", pct)
		}
	}
	r, err := mzml.Open(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", path, err)
	}
	defer r.Close()
	if !quietIndex {
		fmt.Fprintln(os.Stderr)
	}

	if err := mzml.SaveIndexCache(path, r.Index()); err != nil {
		return fmt.Errorf("failed to write index cache: %w", err)
	}

	fmt.Printf("Indexed %d scans\n", r.NumScans())
	fmt.Printf("Output: %s\n", mzml.CachePath(path))
	return nil
}
