// Copyright 2026 Rob Marissen.
// SPDX-License-Identifier: MIT

// Package cmd provides CLI command implementations
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Flags for the annotate and export commands
	mzmlFile      string
	pinFile       string
	scanNrs       []int
	tolerance     float64
	toleranceUnit string
	outFile       string

	// Flags for the index command
	forceIndex    bool
	quietIndex    bool
	indexChunkMiB int
)

var rootCmd = &cobra.Command{
	Use:   "mzannotate",
	Short: "mzannotate - Peptide spectrum annotation tool",
	Long: `mzannotate matches peptide identifications against the spectra of an
mzML file and reports which theoretical b and y fragment ions are
present.

Large mzML files are handled without parsing them as a whole: a byte
offset index over the spectrum records is built once (and cached next
to the file), after which single spectra are extracted on demand.

Identifications are read from tab-separated Percolator input (.pin)
listings.`,
	Version: "1.0.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(annotateCmd)
	rootCmd.AddCommand(exportCmd)

	// Index command flags
	indexCmd.Flags().BoolVarP(&forceIndex, "force", "f", false, "Rebuild the index even if a cache is present")
	indexCmd.Flags().BoolVarP(&quietIndex, "quiet", "q", false, "Suppress progress output")
	indexCmd.Flags().IntVar(&indexChunkMiB, "chunk", 0, "Scan chunk size in MiB (default 10)")

	// Annotate command flags
	annotateCmd.Flags().StringVarP(&mzmlFile, "mzml", "m", "", "Input mzML file (required)")
	annotateCmd.Flags().StringVarP(&pinFile, "pin", "p", "", "Percolator input listing with identifications")
	annotateCmd.Flags().IntSliceVar(&scanNrs, "scan", nil, "Only these scan numbers (all listing rows if omitted)")
	annotateCmd.Flags().Float64VarP(&tolerance, "tol", "t", 0.5, "Match tolerance")
	annotateCmd.Flags().StringVarP(&toleranceUnit, "unit", "u", "da", "Tolerance unit: da or ppm")
	annotateCmd.Flags().StringVarP(&outFile, "out", "o", "", "Output JSON file (stdout if omitted)")
	annotateCmd.MarkFlagRequired("mzml")

	// Export command flags
	exportCmd.Flags().StringVarP(&mzmlFile, "mzml", "m", "", "Input mzML file (required)")
	exportCmd.Flags().StringVarP(&pinFile, "pin", "p", "", "Percolator input listing with identifications (required)")
	exportCmd.Flags().Float64VarP(&tolerance, "tol", "t", 0.5, "Match tolerance")
	exportCmd.Flags().StringVarP(&toleranceUnit, "unit", "u", "da", "Tolerance unit: da or ppm")
	exportCmd.Flags().StringVarP(&outFile, "out", "o", "", "Output SQLite library file (required)")
	exportCmd.MarkFlagRequired("mzml")
	exportCmd.MarkFlagRequired("pin")
	exportCmd.MarkFlagRequired("out")
}
